// Package queue is the repository over the merge queue. Reads go straight
// to the SQLite read model; every write is a command handed to the
// single-writer engine, so this package never touches the table itself.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/stacktrain/internal/engine"
	"github.com/roach88/stacktrain/internal/stack"
	"github.com/roach88/stacktrain/internal/store"
	"github.com/roach88/stacktrain/internal/types"
)

// Writer accepts commands. *engine.Engine implements it.
type Writer interface {
	Submit(ctx context.Context, cmd engine.Command) (engine.Result, error)
}

// Reader is the read model. *store.Store implements it.
type Reader interface {
	GetEntry(ctx context.Context, workspace string) (types.Entry, error)
	ListEntries(ctx context.Context) ([]types.Entry, error)
	FindBlocked(ctx context.Context) ([]types.Entry, error)
	ChildrenOf(ctx context.Context, workspace string) ([]string, error)
	ReadEvents(ctx context.Context, after int64, limit int) ([]types.Event, error)
}

var (
	_ Writer = (*engine.Engine)(nil)
	_ Reader = (*store.Store)(nil)
)

// Store is the queue repository.
type Store struct {
	w Writer
	r Reader
}

// New returns a Store writing through w and reading from r.
func New(w Writer, r Reader) *Store {
	return &Store{w: w, r: r}
}

// SubmitRequest enqueues a workspace. Priority nil means DefaultPriority.
// CommandID makes the request safe to retry.
type SubmitRequest struct {
	Workspace string `json:"workspace"`
	Parent    string `json:"parent,omitempty"`
	Priority  *int   `json:"priority,omitempty"`
	CommandID string `json:"command_id,omitempty"`
	IssueID   string `json:"issue_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

// Submit creates a draft entry. A retried request with the same CommandID
// returns the entry as first created.
func (s *Store) Submit(ctx context.Context, req SubmitRequest) (types.Entry, error) {
	return s.write(ctx, engine.Command{
		ID:        req.CommandID,
		Kind:      engine.KindCreate,
		Workspace: req.Workspace,
		Parent:    req.Parent,
		Priority:  req.Priority,
		IssueID:   req.IssueID,
		AgentID:   req.AgentID,
	})
}

// Option adjusts a write command.
type Option func(*engine.Command)

// WithCommandID sets the idempotency key.
func WithCommandID(id string) Option {
	return func(c *engine.Command) { c.ID = id }
}

// WithReason sets the block reason of a transition to blocked.
func WithReason(r types.BlockReason) Option {
	return func(c *engine.Command) { c.BlockReason = r }
}

// WithDetail records diagnostic text on a transition.
func WithDetail(detail string) Option {
	return func(c *engine.Command) { c.Detail = detail }
}

// WithRevision records the trunk revision on mergeable or merged.
func WithRevision(rev string) Option {
	return func(c *engine.Command) { c.Revision = rev }
}

func (s *Store) write(ctx context.Context, cmd engine.Command, opts ...Option) (types.Entry, error) {
	for _, opt := range opts {
		opt(&cmd)
	}
	res, err := s.w.Submit(ctx, cmd)
	if err != nil {
		return types.Entry{}, err
	}
	return res.Entry, nil
}

// TransitionStackState moves workspace to state `to`. The transition table
// is checked by the writer against the committed state; an illegal
// transition fails with INVALID_TRANSITION and changes nothing.
func (s *Store) TransitionStackState(ctx context.Context, workspace string, to types.QueueState, opts ...Option) (types.Entry, error) {
	return s.write(ctx, engine.Command{Kind: engine.KindTransition, Workspace: workspace, State: to}, opts...)
}

// Kick removes workspace from contention (any non-terminal state).
func (s *Store) Kick(ctx context.Context, workspace string, opts ...Option) (types.Entry, error) {
	return s.TransitionStackState(ctx, workspace, types.StateKicked, opts...)
}

// Retry sends a blocked entry back to checking.
func (s *Store) Retry(ctx context.Context, workspace string, opts ...Option) (types.Entry, error) {
	return s.TransitionStackState(ctx, workspace, types.StateChecking, opts...)
}

// Reprioritize changes the priority of a live entry.
func (s *Store) Reprioritize(ctx context.Context, workspace string, priority int, opts ...Option) (types.Entry, error) {
	return s.write(ctx, engine.Command{
		Kind:      engine.KindReprioritize,
		Workspace: workspace,
		Priority:  types.IntPtr(priority),
	}, opts...)
}

// Reparent moves workspace under parent, or makes it a root when parent is
// empty. Depth, root and dependents of the whole subtree are recomputed in
// the same write.
func (s *Store) Reparent(ctx context.Context, workspace, parent string, opts ...Option) (types.Entry, error) {
	return s.write(ctx, engine.Command{Kind: engine.KindReparent, Workspace: workspace, Parent: parent}, opts...)
}

// MarkRebased records that workspace was rebased onto its merged parent at
// `at`, clearing RebasePending.
func (s *Store) MarkRebased(ctx context.Context, workspace string, at time.Time, opts ...Option) (types.Entry, error) {
	return s.write(ctx, engine.Command{Kind: engine.KindRebased, Workspace: workspace, At: at}, opts...)
}

// UpdateDependents rewrites the dependents cache of workspace from the
// parent edges. Edge-changing writes already do this; the explicit form
// repairs a cache found out of date.
func (s *Store) UpdateDependents(ctx context.Context, workspace string, opts ...Option) (types.Entry, error) {
	return s.write(ctx, engine.Command{Kind: engine.KindDependents, Workspace: workspace}, opts...)
}

// Remove deletes a merged or kicked entry. Its children are reattached to
// its parent.
func (s *Store) Remove(ctx context.Context, workspace string, opts ...Option) (types.Entry, error) {
	return s.write(ctx, engine.Command{Kind: engine.KindDelete, Workspace: workspace}, opts...)
}

// PurgeTerminal removes terminal entries last updated before cutoff and
// returns their names. Each removal is its own command, keyed by the row's
// last seq so a repeated purge is harmless.
func (s *Store) PurgeTerminal(ctx context.Context, cutoff time.Time) ([]string, error) {
	entries, err := s.r.ListEntries(ctx)
	if err != nil {
		return nil, err
	}

	var purged []string
	for _, e := range entries {
		if !e.State.IsTerminal() || !e.UpdatedAt.Before(cutoff) {
			continue
		}
		id := fmt.Sprintf("purge:%s:%d", e.Workspace, e.LastSeq)
		if _, err := s.Remove(ctx, e.Workspace, WithCommandID(id)); err != nil {
			return purged, fmt.Errorf("purge %s: %w", e.Workspace, err)
		}
		purged = append(purged, e.Workspace)
	}
	if len(purged) > 0 {
		slog.Info("purged terminal entries", "count", len(purged), "cutoff", cutoff)
	}
	return purged, nil
}

// Get returns one entry. A missing workspace is a NOT_FOUND validation
// error.
func (s *Store) Get(ctx context.Context, workspace string) (types.Entry, error) {
	e, err := s.r.GetEntry(ctx, workspace)
	if errors.Is(err, store.ErrNotFound) {
		return types.Entry{}, types.NotFound(workspace)
	}
	return e, err
}

// List returns every entry in insertion order.
func (s *Store) List(ctx context.Context) ([]types.Entry, error) {
	return s.r.ListEntries(ctx)
}

// FindBlocked returns entries in the blocked state or waiting on an
// unmerged parent.
func (s *Store) FindBlocked(ctx context.Context) ([]types.Entry, error) {
	return s.r.FindBlocked(ctx)
}

// GetChildren returns the direct dependents of workspace. The cached list
// is checked against the parent edges; if they disagree the edges win and a
// repair write is issued.
func (s *Store) GetChildren(ctx context.Context, workspace string) ([]string, error) {
	e, err := s.Get(ctx, workspace)
	if err != nil {
		return nil, err
	}
	children, err := s.r.ChildrenOf(ctx, workspace)
	if err != nil {
		return nil, err
	}
	if slices.Equal(e.Dependents, children) {
		return children, nil
	}

	slog.Warn("dependents cache out of date, repairing",
		"workspace", workspace,
		"cached", e.Dependents,
		"edges", children,
	)
	id := fmt.Sprintf("repair:%s:%d", workspace, e.LastSeq)
	if _, err := s.UpdateDependents(ctx, workspace, WithCommandID(id)); err != nil {
		slog.Error("dependents repair failed", "workspace", workspace, "error", err)
	}
	return children, nil
}

// GetStackRoot returns the topmost ancestor of workspace. A cycle or a
// dangling parent surfaces as *stack.Error.
func (s *Store) GetStackRoot(ctx context.Context, workspace string) (string, error) {
	entries, err := s.r.ListEntries(ctx)
	if err != nil {
		return "", err
	}
	root, err := stack.FindStackRoot(workspace, entries)
	var se *stack.Error
	if errors.As(err, &se) && se.Code == stack.CodeWorkspaceNotFound {
		return "", types.NotFound(workspace)
	}
	return root, err
}

// Status is the point query for one workspace.
type Status struct {
	Entry      types.Entry `json:"entry"`
	Root       string      `json:"root"`
	Depth      int         `json:"depth"`
	Ancestors  []string    `json:"ancestors"`
	Dependents []string    `json:"dependents"`
}

// Status resolves root, depth, ancestors and dependents of workspace from
// one consistent snapshot.
func (s *Store) Status(ctx context.Context, workspace string) (Status, error) {
	entries, err := s.r.ListEntries(ctx)
	if err != nil {
		return Status{}, err
	}
	idx := stack.Index(entries)
	e := idx[workspace]
	if e == nil {
		return Status{}, types.NotFound(workspace)
	}

	ancestors, err := stack.Ancestors(workspace, entries)
	if err != nil {
		return Status{}, err
	}
	root := workspace
	if len(ancestors) > 0 {
		root = ancestors[len(ancestors)-1]
	}
	return Status{
		Entry:      *e,
		Root:       root,
		Depth:      len(ancestors),
		Ancestors:  append([]string{}, ancestors...),
		Dependents: stack.BuildDependentList(workspace, entries),
	}, nil
}

// Events returns up to limit events after seq `after`. limit <= 0 means all.
func (s *Store) Events(ctx context.Context, after int64, limit int) ([]types.Event, error) {
	return s.r.ReadEvents(ctx, after, limit)
}
