package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var allStates = []QueueState{
	StateDraft, StateChecking, StateMergeable, StateBlocked, StateMerged, StateKicked,
}

func TestCanTransitionTable(t *testing.T) {
	legal := map[[2]QueueState]bool{
		{StateDraft, StateChecking}:     true,
		{StateChecking, StateMergeable}: true,
		{StateChecking, StateBlocked}:   true,
		{StateMergeable, StateMerged}:   true,
		{StateBlocked, StateChecking}:   true,
		{StateDraft, StateKicked}:       true,
		{StateChecking, StateKicked}:    true,
		{StateMergeable, StateKicked}:   true,
		{StateBlocked, StateKicked}:     true,
	}

	for _, from := range allStates {
		for _, to := range allStates {
			want := legal[[2]QueueState{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTerminalStatesHaveNoTargets(t *testing.T) {
	for _, s := range allStates {
		if s.IsTerminal() {
			assert.Empty(t, ValidTargets(s), "%s", s)
		} else {
			assert.NotEmpty(t, ValidTargets(s), "%s", s)
			assert.Contains(t, ValidTargets(s), StateKicked)
		}
	}
}

func TestCheckTransitionError(t *testing.T) {
	err := CheckTransition("ws", StateDraft, StateMerged)
	assert.True(t, IsValidationError(err))
	assert.Equal(t, CodeInvalidTransition, ValidationCode(err))
	assert.Contains(t, err.Error(), "(allowed: checking, kicked)")

	err = CheckTransition("ws", StateMerged, StateChecking)
	assert.Contains(t, err.Error(), "(merged is terminal)")

	err = CheckTransition("ws", StateDraft, StateDraft)
	assert.Equal(t, CodeInvalidTransition, ValidationCode(err))

	err = CheckTransition("ws", StateDraft, QueueState("bogus"))
	assert.Equal(t, CodeInvalidTransition, ValidationCode(err))

	assert.NoError(t, CheckTransition("ws", StateBlocked, StateChecking))
}

func TestDeriveStackMergeState(t *testing.T) {
	parent := &Entry{Workspace: "p", State: StateChecking}
	merged := &Entry{Workspace: "p", State: StateMerged}

	assert.Equal(t, StackIndependent, DeriveStackMergeState(StateDraft, nil))
	assert.Equal(t, StackBlocked, DeriveStackMergeState(StateDraft, parent))
	assert.Equal(t, StackReady, DeriveStackMergeState(StateBlocked, merged))
	assert.Equal(t, StackMerged, DeriveStackMergeState(StateMerged, parent))
}
