package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/stacktrain/internal/types"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// GetEntry returns the entry for workspace, or ErrNotFound.
func (s *Store) GetEntry(ctx context.Context, workspace string) (types.Entry, error) {
	e, err := getEntry(ctx, s.db, workspace)
	if err != nil {
		return types.Entry{}, fmt.Errorf("get entry %s: %w", workspace, err)
	}
	return e, nil
}

func getEntry(ctx context.Context, q querier, workspace string) (types.Entry, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM queue_entries WHERE workspace = ?", workspace)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Entry{}, ErrNotFound
	}
	return e, err
}

// ListEntries returns every entry ordered by position.
func (s *Store) ListEntries(ctx context.Context) ([]types.Entry, error) {
	es, err := listEntries(ctx, s.db, "")
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return es, nil
}

// FindBlocked returns entries that are blocked themselves or waiting on an
// unmerged parent, ordered by position.
func (s *Store) FindBlocked(ctx context.Context) ([]types.Entry, error) {
	es, err := listEntries(ctx, s.db,
		"WHERE state = 'blocked' OR stack_merge_state = 'blocked'")
	if err != nil {
		return nil, fmt.Errorf("find blocked: %w", err)
	}
	return es, nil
}

// ChildrenOf returns direct children of workspace from the parent edges,
// in insertion order. This ignores the dependents cache.
func (s *Store) ChildrenOf(ctx context.Context, workspace string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace FROM queue_entries
		WHERE parent_workspace = ? AND workspace != ?
		ORDER BY position ASC, workspace ASC COLLATE BINARY
	`, workspace, workspace)
	if err != nil {
		return nil, fmt.Errorf("children of %s: %w", workspace, err)
	}
	defer rows.Close()

	children := []string{}
	for rows.Next() {
		var ws string
		if err := rows.Scan(&ws); err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		children = append(children, ws)
	}
	return children, rows.Err()
}

func listEntries(ctx context.Context, q querier, where string, args ...any) ([]types.Entry, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM queue_entries "+where+
			" ORDER BY position ASC, workspace ASC COLLATE BINARY", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []types.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LastSeq returns the highest event seq, or 0 for an empty log.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM events").Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq.Int64, nil
}

// AppliedSeq returns the seq of the last event reflected in queue_entries.
func (s *Store) AppliedSeq(ctx context.Context) (int64, error) {
	seq, err := appliedSeq(ctx, s.db)
	if err != nil {
		return 0, fmt.Errorf("applied seq: %w", err)
	}
	return seq, nil
}

func appliedSeq(ctx context.Context, q querier) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx,
		"SELECT value FROM queue_meta WHERE key = 'applied_seq'").Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// ReadEvents returns events with seq > after in seq order. limit <= 0 means
// no limit.
func (s *Store) ReadEvents(ctx context.Context, after int64, limit int) ([]types.Event, error) {
	query := `
		SELECT seq, command_id, op, workspace, payload, checksum, created_at
		FROM events WHERE seq > ? ORDER BY seq ASC`
	args := []any{after}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ReadWorkspaceEvents returns the history of one workspace in seq order.
func (s *Store) ReadWorkspaceEvents(ctx context.Context, workspace string) ([]types.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, command_id, op, workspace, payload, checksum, created_at
		FROM events WHERE workspace = ? ORDER BY seq ASC
	`, workspace)
	if err != nil {
		return nil, fmt.Errorf("read workspace events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]types.Event, error) {
	events := []types.Event{}
	for rows.Next() {
		var (
			ev        types.Event
			op        string
			payload   string
			createdAt string
		)
		if err := rows.Scan(&ev.Seq, &ev.CommandID, &op, &ev.Workspace, &payload, &ev.Checksum, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Op = types.Op(op)
		ev.Payload = []byte(payload)
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, &CorruptionError{Seq: ev.Seq, Reason: err.Error()}
		}
		ev.CreatedAt = t
		events = append(events, ev)
	}
	return events, rows.Err()
}

// HasCommand reports whether an event with commandID was appended.
func (s *Store) HasCommand(ctx context.Context, commandID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE command_id = ?", commandID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has command: %w", err)
	}
	return n > 0, nil
}

// CommandResult returns the stored result of an applied command.
func (s *Store) CommandResult(ctx context.Context, commandID string) (types.Entry, int64, bool, error) {
	var (
		seq    int64
		result string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT seq, result FROM command_results WHERE command_id = ?", commandID,
	).Scan(&seq, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Entry{}, 0, false, nil
	}
	if err != nil {
		return types.Entry{}, 0, false, fmt.Errorf("command result: %w", err)
	}
	e, err := unmarshalResult(result)
	if err != nil {
		return types.Entry{}, 0, false, err
	}
	return e, seq, true, nil
}
