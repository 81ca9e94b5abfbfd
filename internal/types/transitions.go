package types

import "strings"

// transitions is the fixed lifecycle table. Anything absent is illegal,
// including a transition to the same state.
var transitions = map[QueueState][]QueueState{
	StateDraft:     {StateChecking, StateKicked},
	StateChecking:  {StateMergeable, StateBlocked, StateKicked},
	StateMergeable: {StateMerged, StateKicked},
	StateBlocked:   {StateChecking, StateKicked},
}

// CanTransition reports whether from → to is in the table.
func CanTransition(from, to QueueState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidTargets returns the states reachable from s in one step.
func ValidTargets(s QueueState) []QueueState {
	out := make([]QueueState, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// CheckTransition returns a validation error for illegal transitions.
func CheckTransition(workspace string, from, to QueueState) error {
	if !to.Valid() {
		return &ValidationError{
			Code:      CodeInvalidTransition,
			Workspace: workspace,
			Message:   "unknown target state " + string(to),
		}
	}
	if CanTransition(from, to) {
		return nil
	}
	msg := "cannot transition from " + string(from) + " to " + string(to)
	if targets := ValidTargets(from); len(targets) == 0 {
		msg += " (" + string(from) + " is terminal)"
	} else {
		names := make([]string, len(targets))
		for i, st := range targets {
			names[i] = string(st)
		}
		msg += " (allowed: " + strings.Join(names, ", ") + ")"
	}
	return &ValidationError{
		Code:      CodeInvalidTransition,
		Workspace: workspace,
		Message:   msg,
	}
}
