package engine

import (
	"errors"
	"log/slog"

	"github.com/roach88/stacktrain/internal/store"
	"github.com/roach88/stacktrain/internal/types"
)

// ErrStopped is returned by Submit after the engine has shut down.
var ErrStopped = errors.New("engine stopped")

// logRequestError records a failed request with enough context to find the
// command again. Validation rejections are routine and logged at info.
func logRequestError(cmd Command, err error) {
	attrs := []any{
		"error", err,
		"command_id", cmd.ID,
		"kind", cmd.Kind,
		"workspace", cmd.Workspace,
	}

	switch {
	case types.IsValidationError(err):
		slog.Info("command rejected", append(attrs, "code", types.ValidationCode(err))...)
	case store.IsCorruptionError(err):
		slog.Error("event log corrupt, writes halted until repaired", attrs...)
	case store.IsDurabilityError(err):
		var de *store.DurabilityError
		errors.As(err, &de)
		slog.Error("command not persisted", append(attrs, "op", de.Op, "seq", de.Seq)...)
	default:
		slog.Error("command processing failed", attrs...)
	}
}
