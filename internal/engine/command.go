package engine

import (
	"time"

	"github.com/roach88/stacktrain/internal/types"
)

// Kind selects what a Command does.
type Kind string

const (
	KindCreate       Kind = "create"
	KindReparent     Kind = "reparent"
	KindReprioritize Kind = "reprioritize"
	KindDependents   Kind = "dependents"
	KindRebased      Kind = "rebased"
	KindTransition   Kind = "transition"
	KindDelete       Kind = "delete"
)

// Command is one write request. ID is the idempotency key; when empty the
// engine generates one, which makes the request non-retryable.
type Command struct {
	ID        string
	Kind      Kind
	Workspace string

	// create, reparent
	Parent string
	// create, reprioritize; nil means the default on create
	Priority *int
	// create
	IssueID string
	AgentID string

	// transition
	State       types.QueueState
	BlockReason types.BlockReason
	Detail      string
	Revision    string

	// rebased; zero means the engine's clock
	At time.Time
}

// Result is the answer to an accepted Command.
type Result struct {
	Entry     types.Entry
	Seq       int64
	CommandID string
	// Duplicate is set when the command ID had already been applied and the
	// stored result was returned without writing.
	Duplicate bool
}
