package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/stacktrain/internal/types"
)

// entryColumns lists queue_entries columns in scanEntry order.
const entryColumns = `workspace, issue_id, agent_id, priority, position,
	parent_workspace, stack_depth, stack_root, dependents,
	state, stack_merge_state, block_reason, attempt_count,
	last_rebase_at, rebase_pending, tested_against, merged_revision,
	error_detail, last_seq, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (types.Entry, error) {
	var (
		e                              types.Entry
		dependents                     string
		state, stackState, blockReason string
		lastRebase                     sql.NullString
		rebasePending                  int
		createdAt, updatedAt           string
	)
	err := row.Scan(
		&e.Workspace, &e.IssueID, &e.AgentID, &e.Priority, &e.Position,
		&e.ParentWorkspace, &e.StackDepth, &e.StackRoot, &dependents,
		&state, &stackState, &blockReason, &e.AttemptCount,
		&lastRebase, &rebasePending, &e.TestedAgainst, &e.MergedRevision,
		&e.ErrorDetail, &e.LastSeq, &createdAt, &updatedAt,
	)
	if err != nil {
		return types.Entry{}, err
	}

	e.State = types.QueueState(state)
	e.StackMergeState = types.StackMergeState(stackState)
	e.BlockReason = types.BlockReason(blockReason)
	e.RebasePending = rebasePending != 0

	if e.Dependents, err = unmarshalDependents(dependents); err != nil {
		return types.Entry{}, err
	}
	if lastRebase.Valid {
		t, err := parseTime(lastRebase.String)
		if err != nil {
			return types.Entry{}, err
		}
		e.LastRebaseAt = &t
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return types.Entry{}, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return types.Entry{}, err
	}
	return e, nil
}

// marshalDependents stores the cache as a JSON array. An empty list is
// stored as [] rather than null so the column stays NOT NULL.
func marshalDependents(deps []string) (string, error) {
	if len(deps) == 0 {
		return "[]", nil
	}
	data, err := types.MarshalCanonical(deps)
	if err != nil {
		return "", fmt.Errorf("marshal dependents: %w", err)
	}
	return string(data), nil
}

func unmarshalDependents(data string) ([]string, error) {
	deps := []string{}
	if data == "" || data == "[]" {
		return deps, nil
	}
	if err := json.Unmarshal([]byte(data), &deps); err != nil {
		return nil, fmt.Errorf("unmarshal dependents: %w", err)
	}
	return deps, nil
}

func formatTime(t time.Time) string {
	return types.FormatTime(t)
}

func parseTime(s string) (time.Time, error) {
	t, err := types.ParseTime(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalResult encodes the entry returned to a command for the
// idempotency table.
func marshalResult(e types.Entry) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(data), nil
}

func unmarshalResult(data string) (types.Entry, error) {
	var e types.Entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return types.Entry{}, fmt.Errorf("unmarshal result: %w", err)
	}
	if e.Dependents == nil {
		e.Dependents = []string{}
	}
	return e, nil
}
