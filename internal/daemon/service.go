// Package daemon hosts the queue for the CLI. Serve runs the writer, the
// merge train and the socket server as one process; Connect gives the CLI
// an Ops that either talks to that process or, when none is serving, runs
// a private writer under the same file lock.
package daemon

import (
	"context"
	"time"

	"github.com/roach88/stacktrain/internal/queue"
	"github.com/roach88/stacktrain/internal/store"
	"github.com/roach88/stacktrain/internal/types"
)

// Ops is every mutating queue operation the CLI exposes.
type Ops interface {
	Submit(ctx context.Context, req queue.SubmitRequest) (types.Entry, error)
	Transition(ctx context.Context, p TransitionParams) (types.Entry, error)
	Reprioritize(ctx context.Context, p ReprioritizeParams) (types.Entry, error)
	Reparent(ctx context.Context, p ReparentParams) (types.Entry, error)
	Remove(ctx context.Context, p RemoveParams) (types.Entry, error)
	Purge(ctx context.Context, p PurgeParams) ([]string, error)
	Claim(ctx context.Context, p ClaimParams) (store.Lock, error)
	Release(ctx context.Context, p ClaimParams) error
	Close() error
}

// TransitionParams moves a workspace to State. Kick and retry are
// transitions to kicked and checking.
type TransitionParams struct {
	Workspace string            `json:"workspace"`
	State     types.QueueState  `json:"state"`
	Reason    types.BlockReason `json:"reason,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Revision  string            `json:"revision,omitempty"`
	CommandID string            `json:"command_id,omitempty"`
}

// ReprioritizeParams changes a priority.
type ReprioritizeParams struct {
	Workspace string `json:"workspace"`
	Priority  int    `json:"priority"`
	CommandID string `json:"command_id,omitempty"`
}

// ReparentParams moves a workspace; an empty Parent detaches it.
type ReparentParams struct {
	Workspace string `json:"workspace"`
	Parent    string `json:"parent,omitempty"`
	CommandID string `json:"command_id,omitempty"`
}

// RemoveParams deletes a terminal entry.
type RemoveParams struct {
	Workspace string `json:"workspace"`
	CommandID string `json:"command_id,omitempty"`
}

// PurgeParams removes terminal entries not updated for OlderThan.
type PurgeParams struct {
	OlderThan time.Duration `json:"older_than"`
}

// ClaimParams names an agent's claim on a workspace. TTL zero means the
// configured default. Renew only extends a live claim the agent already
// holds, for heartbeats.
type ClaimParams struct {
	Workspace string        `json:"workspace"`
	AgentID   string        `json:"agent_id"`
	TTL       time.Duration `json:"ttl,omitempty"`
	Renew     bool          `json:"renew,omitempty"`
}

// Service implements Ops over an in-process queue. It does not own the
// writer or the store.
type Service struct {
	q       *queue.Store
	st      *store.Store
	lockTTL time.Duration
	now     func() time.Time
}

var _ Ops = (*Service)(nil)

// NewService returns a Service. lockTTL is the default claim lifetime.
func NewService(q *queue.Store, st *store.Store, lockTTL time.Duration) *Service {
	if lockTTL <= 0 {
		lockTTL = store.DefaultLockTTL
	}
	return &Service{q: q, st: st, lockTTL: lockTTL, now: time.Now}
}

func (s *Service) Submit(ctx context.Context, req queue.SubmitRequest) (types.Entry, error) {
	return s.q.Submit(ctx, req)
}

func (s *Service) Transition(ctx context.Context, p TransitionParams) (types.Entry, error) {
	var opts []queue.Option
	if p.CommandID != "" {
		opts = append(opts, queue.WithCommandID(p.CommandID))
	}
	if p.Reason != types.BlockNone {
		opts = append(opts, queue.WithReason(p.Reason))
	}
	if p.Detail != "" {
		opts = append(opts, queue.WithDetail(p.Detail))
	}
	if p.Revision != "" {
		opts = append(opts, queue.WithRevision(p.Revision))
	}
	return s.q.TransitionStackState(ctx, p.Workspace, p.State, opts...)
}

func (s *Service) Reprioritize(ctx context.Context, p ReprioritizeParams) (types.Entry, error) {
	return s.q.Reprioritize(ctx, p.Workspace, p.Priority, idOpt(p.CommandID)...)
}

func (s *Service) Reparent(ctx context.Context, p ReparentParams) (types.Entry, error) {
	return s.q.Reparent(ctx, p.Workspace, p.Parent, idOpt(p.CommandID)...)
}

func (s *Service) Remove(ctx context.Context, p RemoveParams) (types.Entry, error) {
	return s.q.Remove(ctx, p.Workspace, idOpt(p.CommandID)...)
}

func (s *Service) Purge(ctx context.Context, p PurgeParams) ([]string, error) {
	return s.q.PurgeTerminal(ctx, s.now().Add(-p.OlderThan))
}

func (s *Service) Claim(ctx context.Context, p ClaimParams) (store.Lock, error) {
	ttl := p.TTL
	if ttl <= 0 {
		ttl = s.lockTTL
	}
	if p.Renew {
		return s.st.RenewWorkspace(ctx, p.Workspace, p.AgentID, ttl, s.now())
	}
	return s.st.ClaimWorkspace(ctx, p.Workspace, p.AgentID, ttl, s.now())
}

func (s *Service) Release(ctx context.Context, p ClaimParams) error {
	return s.st.ReleaseWorkspace(ctx, p.Workspace, p.AgentID)
}

// Close is a no-op; the owner of the writer and store closes them.
func (s *Service) Close() error { return nil }

func idOpt(id string) []queue.Option {
	if id == "" {
		return nil
	}
	return []queue.Option{queue.WithCommandID(id)}
}
