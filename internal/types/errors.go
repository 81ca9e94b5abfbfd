package types

import (
	"errors"
	"fmt"
)

// Validation error codes.
const (
	CodeDuplicate         = "DUPLICATE"
	CodeCycle             = "CYCLE"
	CodeInvalidPriority   = "INVALID_PRIORITY"
	CodeInvalidWorkspace  = "INVALID_WORKSPACE"
	CodeParentNotFound    = "PARENT_NOT_FOUND"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeNotFound          = "NOT_FOUND"
	CodeDepthExceeded     = "DEPTH_EXCEEDED"
	CodeNotTerminal       = "NOT_TERMINAL"
	CodeInvalidCommand    = "INVALID_COMMAND"
)

// ValidationError rejects a command before anything is written.
type ValidationError struct {
	Code      string
	Workspace string
	Message   string
	Path      []string // cycle path, when Code is CYCLE
}

func (e *ValidationError) Error() string {
	if e.Workspace == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Workspace, e.Message)
}

// IsValidationError reports whether err is a validation rejection.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ValidationCode returns the code of a wrapped validation error, or "".
func ValidationCode(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	return ""
}

// NotFound builds a NOT_FOUND validation error.
func NotFound(workspace string) *ValidationError {
	return &ValidationError{Code: CodeNotFound, Workspace: workspace, Message: "no queue entry"}
}
