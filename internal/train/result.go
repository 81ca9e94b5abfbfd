package train

import "slices"

// Action is what a tick did with one entry.
type Action string

const (
	ActionMerged  Action = "merged"  // landed on trunk
	ActionBlocked Action = "blocked" // integration failed or timed out
	ActionParked  Action = "parked"  // waiting on an unmerged ancestor
	ActionSkipped Action = "skipped" // not attempted this tick
)

// EntryResult records the outcome for one workspace.
type EntryResult struct {
	Workspace string `json:"workspace"`
	Action    Action `json:"action"`
	Revision  string `json:"revision,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// TickResult summarizes one tick.
type TickResult struct {
	Entries []EntryResult `json:"entries"`
	Purged  []string      `json:"purged,omitempty"`
}

func (r *TickResult) add(ws string, a Action, revision, detail string) {
	r.Entries = append(r.Entries, EntryResult{Workspace: ws, Action: a, Revision: revision, Detail: detail})
}

// Workspaces returns the workspaces that got action a, in tick order.
func (r TickResult) Workspaces(a Action) []string {
	var out []string
	for _, e := range r.Entries {
		if e.Action == a {
			out = append(out, e.Workspace)
		}
	}
	return out
}

// Failed reports whether the tick blocked an entry.
func (r TickResult) Failed() bool {
	return slices.ContainsFunc(r.Entries, func(e EntryResult) bool { return e.Action == ActionBlocked })
}

// Idle reports whether nothing was merged, blocked or parked.
func (r TickResult) Idle() bool {
	for _, e := range r.Entries {
		if e.Action != ActionSkipped {
			return false
		}
	}
	return len(r.Purged) == 0
}
