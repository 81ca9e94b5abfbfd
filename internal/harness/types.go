package harness

import (
	"github.com/roach88/stacktrain/internal/testutil"
	"github.com/roach88/stacktrain/internal/types"
)

// TraceEvent is one event of the log with its payload spread out.
type TraceEvent struct {
	Seq       int64  `json:"seq"`
	Op        string `json:"op"`
	Workspace string `json:"workspace"`
	CommandID string `json:"command_id"`
	Kind      string `json:"kind,omitempty"`
	Parent    string `json:"parent,omitempty"`
	Priority  *int   `json:"priority,omitempty"`
	State     string `json:"state,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Revision  string `json:"revision,omitempty"`
}

// FinalEntry is the part of an entry golden files pin down. Timestamps are
// left out.
type FinalEntry struct {
	Workspace      string `json:"workspace"`
	Parent         string `json:"parent,omitempty"`
	Priority       int    `json:"priority"`
	Depth          int    `json:"depth"`
	Root           string `json:"root"`
	State          string `json:"state"`
	StackState     string `json:"stack_state"`
	BlockReason    string `json:"block_reason,omitempty"`
	Attempts       int    `json:"attempts"`
	RebasePending  bool   `json:"rebase_pending,omitempty"`
	TestedAgainst  string `json:"tested_against,omitempty"`
	MergedRevision string `json:"merged_revision,omitempty"`
	Detail         string `json:"detail,omitempty"`
}

func finalEntry(e types.Entry) FinalEntry {
	return FinalEntry{
		Workspace:      e.Workspace,
		Parent:         e.ParentWorkspace,
		Priority:       e.Priority,
		Depth:          e.StackDepth,
		Root:           e.StackRoot,
		State:          string(e.State),
		StackState:     string(e.StackMergeState),
		BlockReason:    string(e.BlockReason),
		Attempts:       e.AttemptCount,
		RebasePending:  e.RebasePending,
		TestedAgainst:  e.TestedAgainst,
		MergedRevision: e.MergedRevision,
		Detail:         e.ErrorDetail,
	}
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step and assertion held.
	Pass bool `json:"pass"`

	// Trace is the event log in seq order.
	Trace []TraceEvent `json:"trace"`

	// Calls is every integrator call in order.
	Calls []testutil.Call `json:"calls"`

	// Final is the queue table at the end of the run.
	Final []types.Entry `json:"final"`

	// Deterministic reports whether replaying the log reproduced Final.
	Deterministic bool `json:"deterministic"`

	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}, Errors: []string{}}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// entry returns the final row of workspace, or nil.
func (r *Result) entry(workspace string) *types.Entry {
	for i := range r.Final {
		if r.Final[i].Workspace == workspace {
			return &r.Final[i]
		}
	}
	return nil
}

// mergeOrder lists workspaces in the order their merge was recorded.
func (r *Result) mergeOrder() []string {
	var out []string
	for _, ev := range r.Trace {
		if ev.Op == string(types.OpTransition) && ev.State == string(types.StateMerged) {
			out = append(out, ev.Workspace)
		}
	}
	return out
}
