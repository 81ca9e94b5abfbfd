package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateWorkspaceName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"simple", "feature-auth", true},
		{"underscores and dots", "fix_login.v2", true},
		{"unicode", "café", true},
		{"max length", strings.Repeat("a", MaxWorkspaceLen), true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", MaxWorkspaceLen+1), false},
		{"slash", "my/workspace", false},
		{"backslash", `my\workspace`, false},
		{"null byte", "my\x00workspace", false},
		{"newline", "my\nworkspace", false},
		{"leading space", " ws", false},
		{"decomposed accent", "cafe\u0301", false},
		{"invalid utf-8", "ws\xff", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateWorkspaceName(tt.input)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, CodeInvalidWorkspace, ValidationCode(err))
		})
	}
}

func TestValidateAgentID(t *testing.T) {
	assert.NoError(t, ValidateAgentID("ws", "agent-1"))
	assert.NoError(t, ValidateAgentID("ws", ""))
	assert.Equal(t, CodeInvalidCommand, ValidationCode(ValidateAgentID("ws", "ag\xffent")))
	assert.Equal(t, CodeInvalidCommand, ValidationCode(ValidateAgentID("ws", "rene\u0301")))
}

func TestValidatePriority(t *testing.T) {
	assert.NoError(t, ValidatePriority("ws", MinPriority))
	assert.NoError(t, ValidatePriority("ws", MaxPriority))
	assert.Equal(t, CodeInvalidPriority, ValidationCode(ValidatePriority("ws", -1)))
	assert.Equal(t, CodeInvalidPriority, ValidationCode(ValidatePriority("ws", MaxPriority+1)))
}

func TestQueueStatePredicates(t *testing.T) {
	assert.True(t, StateMerged.IsTerminal())
	assert.True(t, StateKicked.IsTerminal())
	assert.False(t, StateBlocked.IsTerminal())
	assert.False(t, QueueState("bogus").Valid())
	assert.True(t, StackBlocked.IsBlocked())
	assert.True(t, StackMerged.IsTerminal())
}
