package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/stacktrain/internal/config"
	"github.com/roach88/stacktrain/internal/daemon"
	"github.com/roach88/stacktrain/internal/store"
	"github.com/roach88/stacktrain/internal/types"
	"github.com/roach88/stacktrain/internal/uds"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Rejected command or failed check (validation error, non-deterministic replay)
	ExitCommandError = 2 // Command error (bad config, unreadable database, durability failure)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)

	reported bool // already written by an OutputFormatter
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Reported reports whether the error was already written to the user.
func (e *ExitError) Reported() bool {
	return e.reported
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// Error codes for failures that are not validation rejections. Validation
// rejections use their own code (CYCLE, DUPLICATE, ...).
const (
	ErrCodeGeneric     = "E001"
	ErrCodeConfig      = "E_CONFIG"
	ErrCodeDatabase    = "E_DATABASE"
	ErrCodeDurability  = "E_DURABILITY"
	ErrCodeCorruption  = "E_CORRUPTION"
	ErrCodeDaemon      = "E_DAEMON"
	ErrCodeDeterminism = "E_DETERMINISM"
)

// classify maps an error to its response code and exit code.
func classify(err error) (string, int) {
	var re *uds.RemoteError
	var md *missingDatabaseError
	switch {
	case types.IsValidationError(err):
		return types.ValidationCode(err), ExitFailure
	case config.IsConfigError(err):
		return ErrCodeConfig, ExitCommandError
	case errors.As(err, &md):
		return ErrCodeDatabase, ExitCommandError
	case store.IsCorruptionError(err):
		return ErrCodeCorruption, ExitCommandError
	case store.IsDurabilityError(err):
		return ErrCodeDurability, ExitCommandError
	case errors.As(err, &re):
		switch re.Kind {
		case uds.KindDurability:
			return ErrCodeDurability, ExitCommandError
		case uds.KindCorruption:
			return ErrCodeCorruption, ExitCommandError
		}
		return ErrCodeDaemon, ExitCommandError
	case errors.Is(err, daemon.ErrDaemonUnreachable), errors.Is(err, uds.ErrNoDaemon):
		return ErrCodeDaemon, ExitCommandError
	}
	return ErrCodeGeneric, ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // validation code or E_* code
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	return f.Render(data, func(w io.Writer) {
		fmt.Fprintln(w, data)
	})
}

// Render writes data as a JSON envelope, or calls text for human output.
func (f *OutputFormatter) Render(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(CLIResponse{Status: "ok", Data: data})
	}
	text(f.Writer)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.GetErrWriter(), "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.GetErrWriter(), "Details: %v\n", details)
	}
	return nil
}

// Fail reports err and returns the ExitError the command should return.
// A cycle rejection carries its path as details.
func (f *OutputFormatter) Fail(message string, err error) error {
	code, exit := classify(err)

	var details any
	var ve *types.ValidationError
	if errors.As(err, &ve) && len(ve.Path) > 0 {
		details = map[string]any{"path": ve.Path}
	}
	if werr := f.Error(code, err.Error(), details); werr != nil {
		return werr
	}
	exitErr := WrapExitError(exit, message, err)
	exitErr.reported = true
	return exitErr
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
