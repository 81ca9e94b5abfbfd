package types

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Priority bounds. Higher priority is integrated sooner.
const (
	MinPriority     = 0
	MaxPriority     = 10
	DefaultPriority = 5
)

// MaxWorkspaceLen bounds workspace identifiers, in bytes.
const MaxWorkspaceLen = 255

// QueueState is the lifecycle state of a queue entry.
type QueueState string

const (
	StateDraft     QueueState = "draft"
	StateChecking  QueueState = "checking"
	StateMergeable QueueState = "mergeable"
	StateBlocked   QueueState = "blocked"
	StateMerged    QueueState = "merged"
	StateKicked    QueueState = "kicked"
)

// IsTerminal reports whether no further transitions are allowed.
func (s QueueState) IsTerminal() bool {
	return s == StateMerged || s == StateKicked
}

// Valid reports whether s is a known state.
func (s QueueState) Valid() bool {
	switch s {
	case StateDraft, StateChecking, StateMergeable, StateBlocked, StateMerged, StateKicked:
		return true
	}
	return false
}

// StackMergeState summarizes an entry's position relative to its parent.
type StackMergeState string

const (
	StackIndependent StackMergeState = "independent" // no parent
	StackBlocked     StackMergeState = "blocked"     // parent not merged yet
	StackReady       StackMergeState = "ready"       // parent merged
	StackMerged      StackMergeState = "merged"      // entry itself merged
)

// IsBlocked reports whether the entry must wait for its parent.
func (s StackMergeState) IsBlocked() bool { return s == StackBlocked }

// IsTerminal reports whether the entry itself has merged.
func (s StackMergeState) IsTerminal() bool { return s == StackMerged }

// BlockReason records why an entry entered the blocked state.
type BlockReason string

const (
	BlockNone        BlockReason = ""
	BlockAncestor    BlockReason = "ancestor"    // waiting on an unmerged parent
	BlockIntegration BlockReason = "integration" // rebase, test or merge failed
)

// Valid reports whether r is a known reason.
func (r BlockReason) Valid() bool {
	switch r {
	case BlockNone, BlockAncestor, BlockIntegration:
		return true
	}
	return false
}

// Entry is one workspace in the merge queue.
type Entry struct {
	Workspace string `json:"workspace"`
	IssueID   string `json:"issue_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`

	Priority int   `json:"priority"`
	Position int64 `json:"position"` // seq of the create event; FIFO tiebreak

	ParentWorkspace string   `json:"parent_workspace,omitempty"`
	StackDepth      int      `json:"stack_depth"`
	StackRoot       string   `json:"stack_root"`
	Dependents      []string `json:"dependents"`

	State           QueueState      `json:"state"`
	StackMergeState StackMergeState `json:"stack_merge_state"`
	BlockReason     BlockReason     `json:"block_reason,omitempty"`

	AttemptCount   int        `json:"attempt_count"`
	LastRebaseAt   *time.Time `json:"last_rebase_at,omitempty"`
	RebasePending  bool       `json:"rebase_pending,omitempty"`
	TestedAgainst  string     `json:"tested_against,omitempty"`
	MergedRevision string     `json:"merged_revision,omitempty"`
	ErrorDetail    string     `json:"error_detail,omitempty"`

	LastSeq   int64     `json:"last_seq"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsRoot reports whether the entry has no parent.
func (e Entry) IsRoot() bool { return e.ParentWorkspace == "" }

// DeriveStackMergeState computes the stack merge state of an entry from its
// own state and its parent's. parent is nil when the entry is a root or the
// parent row no longer exists.
func DeriveStackMergeState(self QueueState, parent *Entry) StackMergeState {
	if self == StateMerged {
		return StackMerged
	}
	if parent == nil {
		return StackIndependent
	}
	if parent.State == StateMerged {
		return StackReady
	}
	return StackBlocked
}

// ValidateWorkspaceName checks a workspace identifier. Names are used as
// directory names by the integrator, so path separators, control characters
// and surrounding whitespace are rejected. Names must be valid UTF-8 in NFC
// form: payloads are normalized when encoded, and a name that changed there
// would no longer match its row.
func ValidateWorkspaceName(name string) error {
	invalid := func(msg string) error {
		return &ValidationError{Code: CodeInvalidWorkspace, Workspace: name, Message: msg}
	}
	switch {
	case name == "":
		return invalid("workspace name is empty")
	case len(name) > MaxWorkspaceLen:
		return invalid("workspace name longer than 255 bytes")
	case strings.ContainsAny(name, "/\\"):
		return invalid("workspace name contains a path separator")
	case strings.TrimSpace(name) != name:
		return invalid("workspace name has surrounding whitespace")
	case !utf8.ValidString(name):
		return invalid("workspace name is not valid UTF-8")
	case !norm.NFC.IsNormalString(name):
		return invalid("workspace name is not in NFC form")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return invalid("workspace name contains a control character")
		}
	}
	return nil
}

// ValidatePriority checks the priority range.
func ValidatePriority(workspace string, p int) error {
	if p < MinPriority || p > MaxPriority {
		return &ValidationError{
			Code:      CodeInvalidPriority,
			Workspace: workspace,
			Message:   fmt.Sprintf("priority %d outside %d..%d", p, MinPriority, MaxPriority),
		}
	}
	return nil
}

// ValidateAgentID checks an agent identifier. Like workspace names, agent IDs
// are compared against stored values, so they must survive normalization
// unchanged.
func ValidateAgentID(workspace, agent string) error {
	if !utf8.ValidString(agent) || !norm.NFC.IsNormalString(agent) {
		return &ValidationError{
			Code:      CodeInvalidCommand,
			Workspace: workspace,
			Message:   "agent id must be valid UTF-8 in NFC form",
		}
	}
	return nil
}
