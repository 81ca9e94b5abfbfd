package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/stacktrain/internal/stack"
	"github.com/roach88/stacktrain/internal/types"
)

// ErrDuplicateCommand is returned by AppendEvent when the command ID or seq
// is already in the log.
var ErrDuplicateCommand = errors.New("command already appended")

// AppendEvent commits ev to the log in its own transaction. The event must
// already be sealed. Nothing in queue_entries changes.
func (s *Store) AppendEvent(ctx context.Context, ev types.Event) error {
	if !ev.Op.Valid() {
		return fmt.Errorf("append event: invalid op %q", ev.Op)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (seq, command_id, op, workspace, payload, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		ev.Seq,
		ev.CommandID,
		string(ev.Op),
		ev.Workspace,
		string(ev.Payload),
		ev.Checksum,
		formatTime(ev.CreatedAt),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
				sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
			return fmt.Errorf("append event %d: %w", ev.Seq, ErrDuplicateCommand)
		}
		return fmt.Errorf("append event %d: %w", ev.Seq, err)
	}
	return nil
}

// ApplyEvent applies an appended event to queue_entries, stores the command
// result and advances the applied watermark, all in one transaction.
// It returns the resulting entry (for deletes, the entry as it was).
//
// An event at or below the watermark is not reapplied; its stored result is
// returned. ErrStale means an earlier event is missing from the table.
func (s *Store) ApplyEvent(ctx context.Context, ev types.Event) (types.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return types.Entry{}, fmt.Errorf("apply event %d: begin tx: %w", ev.Seq, err)
	}
	defer tx.Rollback()

	applied, err := appliedSeq(ctx, tx)
	if err != nil {
		return types.Entry{}, fmt.Errorf("apply event %d: %w", ev.Seq, err)
	}
	if ev.Seq <= applied {
		tx.Rollback()
		e, _, ok, err := s.CommandResult(ctx, ev.CommandID)
		if err != nil {
			return types.Entry{}, err
		}
		if !ok {
			return types.Entry{}, fmt.Errorf("apply event %d: %w", ev.Seq, ErrStale)
		}
		return e, nil
	}
	if ev.Seq != applied+1 {
		return types.Entry{}, fmt.Errorf("apply event %d after %d: %w", ev.Seq, applied, ErrStale)
	}

	result, err := applyAndRecord(ctx, tx, ev)
	if err != nil {
		return types.Entry{}, fmt.Errorf("apply event %d: %w", ev.Seq, err)
	}

	if s.beforeApplyCommit != nil {
		if err := s.beforeApplyCommit(ev.Seq); err != nil {
			return types.Entry{}, fmt.Errorf("apply event %d: %w", ev.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return types.Entry{}, fmt.Errorf("apply event %d: commit: %w", ev.Seq, err)
	}
	return result, nil
}

// applyAndRecord mutates the table, records the result and moves the
// watermark. Shared by live apply and replay.
func applyAndRecord(ctx context.Context, tx querier, ev types.Event) (types.Entry, error) {
	result, err := applyEvent(ctx, tx, ev)
	if err != nil {
		return types.Entry{}, err
	}

	resultJSON, err := marshalResult(result)
	if err != nil {
		return types.Entry{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO command_results (command_id, seq, workspace, result)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(command_id) DO NOTHING
	`, ev.CommandID, ev.Seq, ev.Workspace, resultJSON); err != nil {
		return types.Entry{}, fmt.Errorf("record result: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO queue_meta (key, value) VALUES ('applied_seq', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, ev.Seq); err != nil {
		return types.Entry{}, fmt.Errorf("advance watermark: %w", err)
	}
	return result, nil
}

// applyEvent performs the table mutation for one event. It reads only the
// table and the event, so replay reproduces it exactly.
func applyEvent(ctx context.Context, q querier, ev types.Event) (types.Entry, error) {
	p, err := types.DecodePayload(ev.Payload)
	if err != nil {
		return types.Entry{}, err
	}

	switch ev.Op {
	case types.OpCreate:
		return applyCreate(ctx, q, ev, p)
	case types.OpUpdate:
		return applyUpdate(ctx, q, ev, p)
	case types.OpTransition:
		return applyTransition(ctx, q, ev, p)
	case types.OpDelete:
		return applyDelete(ctx, q, ev)
	}
	return types.Entry{}, fmt.Errorf("unknown op %q", ev.Op)
}

func applyCreate(ctx context.Context, q querier, ev types.Event, p types.Payload) (types.Entry, error) {
	if _, err := getEntry(ctx, q, ev.Workspace); err == nil {
		return types.Entry{}, fmt.Errorf("create %s: already exists", ev.Workspace)
	} else if !errors.Is(err, ErrNotFound) {
		return types.Entry{}, err
	}

	e := types.Entry{
		Workspace:       ev.Workspace,
		IssueID:         p.IssueID,
		AgentID:         p.AgentID,
		Priority:        types.DefaultPriority,
		Position:        ev.Seq,
		ParentWorkspace: p.Parent,
		StackRoot:       ev.Workspace,
		Dependents:      []string{},
		State:           types.StateDraft,
		StackMergeState: types.StackIndependent,
		LastSeq:         ev.Seq,
		CreatedAt:       ev.CreatedAt,
		UpdatedAt:       ev.CreatedAt,
	}
	if p.Priority != nil {
		e.Priority = *p.Priority
	}

	if p.Parent != "" {
		parent, err := getEntry(ctx, q, p.Parent)
		if err != nil {
			return types.Entry{}, fmt.Errorf("create %s: parent %s: %w", ev.Workspace, p.Parent, err)
		}
		e.StackDepth = parent.StackDepth + 1
		e.StackRoot = parent.StackRoot
		e.StackMergeState = types.DeriveStackMergeState(e.State, &parent)
		e.RebasePending = parent.State == types.StateMerged
	}

	if err := insertEntry(ctx, q, e); err != nil {
		return types.Entry{}, err
	}
	if err := refreshDependents(ctx, q, p.Parent); err != nil {
		return types.Entry{}, err
	}
	return e, nil
}

func applyUpdate(ctx context.Context, q querier, ev types.Event, p types.Payload) (types.Entry, error) {
	e, err := getEntry(ctx, q, ev.Workspace)
	if err != nil {
		return types.Entry{}, fmt.Errorf("update %s: %w", ev.Workspace, err)
	}

	switch p.Kind {
	case types.UpdateReparent:
		oldParent := e.ParentWorkspace
		e.ParentWorkspace = p.Parent
		// A merged parent is already in trunk; the entry must be rebased
		// onto it before it can integrate.
		if p.Parent != "" && !e.State.IsTerminal() {
			parent, err := getEntry(ctx, q, p.Parent)
			if err != nil {
				return types.Entry{}, fmt.Errorf("reparent %s: parent %s: %w", ev.Workspace, p.Parent, err)
			}
			if parent.State == types.StateMerged {
				e.RebasePending = true
			}
		}
		touch(&e, ev)
		if err := updateEntry(ctx, q, e); err != nil {
			return types.Entry{}, err
		}
		if err := recomputeSubtree(ctx, q, ev.Workspace); err != nil {
			return types.Entry{}, err
		}
		if err := refreshDependents(ctx, q, oldParent); err != nil {
			return types.Entry{}, err
		}
		if err := refreshDependents(ctx, q, p.Parent); err != nil {
			return types.Entry{}, err
		}
		return getEntry(ctx, q, ev.Workspace)

	case types.UpdateReprioritize:
		if p.Priority == nil {
			return types.Entry{}, fmt.Errorf("reprioritize %s: missing priority", ev.Workspace)
		}
		e.Priority = *p.Priority

	case types.UpdateDependents:
		if err := refreshDependents(ctx, q, ev.Workspace); err != nil {
			return types.Entry{}, err
		}
		return getEntry(ctx, q, ev.Workspace)

	case types.UpdateRebased:
		at, err := parseTime(p.At)
		if err != nil {
			return types.Entry{}, fmt.Errorf("rebased %s: %w", ev.Workspace, err)
		}
		e.LastRebaseAt = &at
		e.RebasePending = false

	default:
		return types.Entry{}, fmt.Errorf("update %s: unknown kind %q", ev.Workspace, p.Kind)
	}

	touch(&e, ev)
	if err := updateEntry(ctx, q, e); err != nil {
		return types.Entry{}, err
	}
	return e, nil
}

func applyTransition(ctx context.Context, q querier, ev types.Event, p types.Payload) (types.Entry, error) {
	e, err := getEntry(ctx, q, ev.Workspace)
	if err != nil {
		return types.Entry{}, fmt.Errorf("transition %s: %w", ev.Workspace, err)
	}
	if !types.CanTransition(e.State, p.State) {
		return types.Entry{}, fmt.Errorf("transition %s: %s -> %s not allowed", ev.Workspace, e.State, p.State)
	}

	e.State = p.State
	switch p.State {
	case types.StateChecking:
		e.AttemptCount++
		e.BlockReason = types.BlockNone
		e.ErrorDetail = ""
	case types.StateBlocked:
		e.BlockReason = p.BlockReason
		e.ErrorDetail = p.Detail
	case types.StateMergeable:
		e.TestedAgainst = p.Revision
	case types.StateMerged:
		e.MergedRevision = p.Revision
		e.StackMergeState = types.StackMerged
	case types.StateKicked:
		e.BlockReason = types.BlockNone
		e.ErrorDetail = p.Detail
	}

	touch(&e, ev)
	if err := updateEntry(ctx, q, e); err != nil {
		return types.Entry{}, err
	}

	// Dependents leave the blocked stack state in the same transaction that
	// records the merge, never before.
	if p.State == types.StateMerged {
		children, err := listEntries(ctx, q,
			"WHERE parent_workspace = ? AND workspace != ?", e.Workspace, e.Workspace)
		if err != nil {
			return types.Entry{}, err
		}
		for _, child := range children {
			if child.State.IsTerminal() {
				continue
			}
			child.StackMergeState = types.DeriveStackMergeState(child.State, &e)
			child.RebasePending = true
			touch(&child, ev)
			if err := updateEntry(ctx, q, child); err != nil {
				return types.Entry{}, err
			}
		}
	}
	return e, nil
}

// applyDelete removes a terminal entry. Its children are reattached to its
// parent so no edge dangles.
func applyDelete(ctx context.Context, q querier, ev types.Event) (types.Entry, error) {
	e, err := getEntry(ctx, q, ev.Workspace)
	if err != nil {
		return types.Entry{}, fmt.Errorf("delete %s: %w", ev.Workspace, err)
	}
	if !e.State.IsTerminal() {
		return types.Entry{}, fmt.Errorf("delete %s: state %s is not terminal", ev.Workspace, e.State)
	}

	children, err := listEntries(ctx, q,
		"WHERE parent_workspace = ? AND workspace != ?", e.Workspace, e.Workspace)
	if err != nil {
		return types.Entry{}, err
	}

	if _, err := q.ExecContext(ctx, "DELETE FROM queue_entries WHERE workspace = ?", e.Workspace); err != nil {
		return types.Entry{}, fmt.Errorf("delete %s: %w", e.Workspace, err)
	}

	for _, child := range children {
		child.ParentWorkspace = e.ParentWorkspace
		touch(&child, ev)
		if err := updateEntry(ctx, q, child); err != nil {
			return types.Entry{}, err
		}
		if err := recomputeSubtree(ctx, q, child.Workspace); err != nil {
			return types.Entry{}, err
		}
	}
	if err := refreshDependents(ctx, q, e.ParentWorkspace); err != nil {
		return types.Entry{}, err
	}
	return e, nil
}

func touch(e *types.Entry, ev types.Event) {
	e.LastSeq = ev.Seq
	e.UpdatedAt = ev.CreatedAt
}

// recomputeSubtree refreshes depth, root and stack merge state for
// workspace and everything below it after its parent edge changed.
func recomputeSubtree(ctx context.Context, q querier, workspace string) error {
	snapshot, err := listEntries(ctx, q, "")
	if err != nil {
		return err
	}
	idx := stack.Index(snapshot)

	targets := append([]string{workspace}, stack.Descendants(workspace, snapshot)...)
	for _, ws := range targets {
		e := idx[ws]
		if e == nil {
			continue
		}
		depth, err := stack.CalculateStackDepth(ws, snapshot)
		if err != nil {
			return fmt.Errorf("recompute %s: %w", ws, err)
		}
		root, err := stack.FindStackRoot(ws, snapshot)
		if err != nil {
			return fmt.Errorf("recompute %s: %w", ws, err)
		}
		e.StackDepth = depth
		e.StackRoot = root
		e.StackMergeState = types.DeriveStackMergeState(e.State, idx[e.ParentWorkspace])
		if err := updateEntry(ctx, q, *e); err != nil {
			return err
		}
	}
	return nil
}

// refreshDependents rewrites the dependents cache of workspace from the
// parent edges. A missing or empty workspace is a no-op.
func refreshDependents(ctx context.Context, q querier, workspace string) error {
	if workspace == "" {
		return nil
	}
	snapshot, err := listEntries(ctx, q, "")
	if err != nil {
		return err
	}
	deps, err := marshalDependents(stack.BuildDependentList(workspace, snapshot))
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx,
		"UPDATE queue_entries SET dependents = ? WHERE workspace = ?", deps, workspace); err != nil {
		return fmt.Errorf("refresh dependents of %s: %w", workspace, err)
	}
	return nil
}

func insertEntry(ctx context.Context, q querier, e types.Entry) error {
	deps, err := marshalDependents(e.Dependents)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO queue_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.Workspace, e.IssueID, e.AgentID, e.Priority, e.Position,
		e.ParentWorkspace, e.StackDepth, e.StackRoot, deps,
		string(e.State), string(e.StackMergeState), string(e.BlockReason), e.AttemptCount,
		nullTime(e.LastRebaseAt), boolInt(e.RebasePending), e.TestedAgainst, e.MergedRevision,
		e.ErrorDetail, e.LastSeq, formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert entry %s: %w", e.Workspace, err)
	}
	return nil
}

// updateEntry writes every column except dependents, which only
// refreshDependents maintains.
func updateEntry(ctx context.Context, q querier, e types.Entry) error {
	_, err := q.ExecContext(ctx, `
		UPDATE queue_entries SET
			issue_id = ?, agent_id = ?, priority = ?, position = ?,
			parent_workspace = ?, stack_depth = ?, stack_root = ?,
			state = ?, stack_merge_state = ?, block_reason = ?, attempt_count = ?,
			last_rebase_at = ?, rebase_pending = ?, tested_against = ?, merged_revision = ?,
			error_detail = ?, last_seq = ?, created_at = ?, updated_at = ?
		WHERE workspace = ?
	`,
		e.IssueID, e.AgentID, e.Priority, e.Position,
		e.ParentWorkspace, e.StackDepth, e.StackRoot,
		string(e.State), string(e.StackMergeState), string(e.BlockReason), e.AttemptCount,
		nullTime(e.LastRebaseAt), boolInt(e.RebasePending), e.TestedAgainst, e.MergedRevision,
		e.ErrorDetail, e.LastSeq, formatTime(e.CreatedAt), formatTime(e.UpdatedAt),
		e.Workspace,
	)
	if err != nil {
		return fmt.Errorf("update entry %s: %w", e.Workspace, err)
	}
	return nil
}
