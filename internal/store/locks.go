package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultLockTTL is how long a claim lives without a heartbeat.
const DefaultLockTTL = 5 * time.Minute

// ErrNotLockHolder is returned when an agent releases or renews a claim it
// does not hold.
var ErrNotLockHolder = errors.New("not the lock holder")

// Lock is a live or expired workspace claim.
type Lock struct {
	Workspace  string    `json:"workspace"`
	AgentID    string    `json:"agent_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Live reports whether the claim has not expired at now.
func (l Lock) Live(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// ClaimWorkspace gives agentID ownership of workspace until now+ttl.
// Re-claiming by the same agent extends the claim. A live claim held by a
// different agent fails with *LockHeldError; an expired one is taken over.
//
// Claims live outside the event log: they describe which agent is working on
// a workspace right now, not queue history.
func (s *Store) ClaimWorkspace(ctx context.Context, workspace, agentID string, ttl time.Duration, now time.Time) (Lock, error) {
	if agentID == "" {
		return Lock{}, fmt.Errorf("claim %s: empty agent id", workspace)
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Lock{}, fmt.Errorf("claim %s: begin tx: %w", workspace, err)
	}
	defer tx.Rollback()

	existing, found, err := readLock(ctx, tx, workspace)
	if err != nil {
		return Lock{}, fmt.Errorf("claim %s: %w", workspace, err)
	}
	if found && existing.AgentID != agentID && existing.Live(now) {
		return Lock{}, &LockHeldError{Workspace: workspace, Holder: existing.AgentID}
	}

	lock := Lock{Workspace: workspace, AgentID: agentID, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	if found && existing.AgentID == agentID && existing.Live(now) {
		lock.AcquiredAt = existing.AcquiredAt
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workspace_locks (workspace, agent_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(workspace) DO UPDATE SET
			agent_id = excluded.agent_id,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
	`, workspace, agentID, formatTime(lock.AcquiredAt), formatTime(lock.ExpiresAt)); err != nil {
		return Lock{}, fmt.Errorf("claim %s: %w", workspace, err)
	}

	if err := tx.Commit(); err != nil {
		return Lock{}, fmt.Errorf("claim %s: commit: %w", workspace, err)
	}
	return lock, nil
}

// RenewWorkspace extends a live claim held by agentID.
func (s *Store) RenewWorkspace(ctx context.Context, workspace, agentID string, ttl time.Duration, now time.Time) (Lock, error) {
	lock, found, err := readLock(ctx, s.db, workspace)
	if err != nil {
		return Lock{}, fmt.Errorf("renew %s: %w", workspace, err)
	}
	if !found || lock.AgentID != agentID || !lock.Live(now) {
		return Lock{}, fmt.Errorf("renew %s: %w", workspace, ErrNotLockHolder)
	}
	return s.ClaimWorkspace(ctx, workspace, agentID, ttl, now)
}

// ReleaseWorkspace drops a claim held by agentID.
func (s *Store) ReleaseWorkspace(ctx context.Context, workspace, agentID string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM workspace_locks WHERE workspace = ? AND agent_id = ?", workspace, agentID)
	if err != nil {
		return fmt.Errorf("release %s: %w", workspace, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release %s: %w", workspace, err)
	}
	if n == 0 {
		return fmt.Errorf("release %s: %w", workspace, ErrNotLockHolder)
	}
	return nil
}

// LockHolder returns the agent holding a live claim on workspace.
func (s *Store) LockHolder(ctx context.Context, workspace string, now time.Time) (string, bool, error) {
	lock, found, err := readLock(ctx, s.db, workspace)
	if err != nil {
		return "", false, fmt.Errorf("lock holder %s: %w", workspace, err)
	}
	if !found || !lock.Live(now) {
		return "", false, nil
	}
	return lock.AgentID, true, nil
}

// ListLocks returns every stored claim, expired ones included.
func (s *Store) ListLocks(ctx context.Context) ([]Lock, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace, agent_id, acquired_at, expires_at
		FROM workspace_locks ORDER BY workspace ASC COLLATE BINARY
	`)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	locks := []Lock{}
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

func readLock(ctx context.Context, q querier, workspace string) (Lock, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT workspace, agent_id, acquired_at, expires_at
		FROM workspace_locks WHERE workspace = ?
	`, workspace)
	l, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Lock{}, false, nil
	}
	if err != nil {
		return Lock{}, false, err
	}
	return l, true, nil
}

func scanLock(row rowScanner) (Lock, error) {
	var (
		l                   Lock
		acquired, expiresAt string
	)
	if err := row.Scan(&l.Workspace, &l.AgentID, &acquired, &expiresAt); err != nil {
		return Lock{}, err
	}
	var err error
	if l.AcquiredAt, err = parseTime(acquired); err != nil {
		return Lock{}, err
	}
	if l.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return Lock{}, err
	}
	return l, nil
}
