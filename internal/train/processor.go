package train

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roach88/stacktrain/internal/queue"
	"github.com/roach88/stacktrain/internal/store"
	"github.com/roach88/stacktrain/internal/types"
	"github.com/roach88/stacktrain/internal/vcs"
)

// Owners reports live workspace claims. *store.Store implements it.
type Owners interface {
	LockHolder(ctx context.Context, workspace string, now time.Time) (string, bool, error)
}

var _ Owners = (*store.Store)(nil)

// Processor runs the merge train.
//
// Thread-safety: Tick must not be called concurrently with itself; Run
// serializes ticks. The rebase queue is safe for concurrent use.
type Processor struct {
	q      *queue.Store
	vcs    vcs.Integrator
	owners Owners
	cfg    Config
	now    func() time.Time

	limiter *rate.Limiter
	rebases *rebaseQueue

	mu       sync.Mutex
	failures int
}

// Option configures a Processor.
type Option func(*Processor)

// WithNow sets the clock used for lock expiry, rebase timestamps and
// retention.
func WithNow(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithOwners enables ownership checks: an entry with an AgentID is only
// integrated while that agent holds a live claim on the workspace.
func WithOwners(o Owners) Option {
	return func(p *Processor) { p.owners = o }
}

// New returns a Processor over q landing workspaces through integrator.
func New(q *queue.Store, integrator vcs.Integrator, cfg Config, opts ...Option) *Processor {
	cfg = cfg.withDefaults()
	p := &Processor{
		q:       q,
		vcs:     integrator,
		cfg:     cfg,
		now:     time.Now,
		limiter: cfg.limiter(),
		rebases: newRebaseQueue(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// commandID derives the idempotency key of a processor write from the
// entry's last seq, so the same step on the same row version is applied
// once.
func commandID(e types.Entry, target string) string {
	return fmt.Sprintf("train:%s:%d:%s", e.Workspace, e.LastSeq, target)
}

// Tick advances the train by at most one integration. Entries left
// mergeable by an interrupted tick are finalized first and checking entries
// whose ancestor is unmerged are parked.
//
// Validation errors on an entry skip it for this tick; any other write or
// read failure aborts the tick.
func (p *Processor) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult

	entries, err := p.q.List(ctx)
	if err != nil {
		return res, fmt.Errorf("tick: %w", err)
	}

	finalized := false
	for _, e := range entries {
		if e.State == types.StateMergeable {
			if err := p.finalize(ctx, e, &res); err != nil {
				return res, err
			}
			finalized = true
		}
	}
	// A finalized merge releases its children, so the snapshot is stale.
	if finalized {
		if entries, err = p.q.List(ctx); err != nil {
			return res, fmt.Errorf("tick: %w", err)
		}
	}
	for _, e := range entries {
		if e.State == types.StateChecking && e.StackMergeState.IsBlocked() {
			if err := p.park(ctx, e, &res); err != nil {
				return res, err
			}
		}
	}

	candidates, err := p.candidates(ctx, &res)
	if err != nil {
		return res, err
	}
	for _, e := range candidates {
		attempted, err := p.attempt(ctx, e, &res)
		if err != nil {
			return res, err
		}
		if attempted {
			break
		}
	}

	if p.cfg.Retention > 0 {
		purged, err := p.q.PurgeTerminal(ctx, p.now().Add(-p.cfg.Retention))
		res.Purged = purged
		if err != nil {
			return res, fmt.Errorf("tick: %w", err)
		}
	}

	if !res.Idle() {
		slog.Info("train tick",
			"merged", res.Workspaces(ActionMerged),
			"blocked", res.Workspaces(ActionBlocked),
			"parked", res.Workspaces(ActionParked),
			"purged", len(res.Purged),
		)
	}
	return res, nil
}

// candidates returns eligible entries in train order. Entries needing a
// rebase are (re)queued for the rebase worker instead.
func (p *Processor) candidates(ctx context.Context, res *TickResult) ([]types.Entry, error) {
	entries, err := p.q.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("tick: %w", err)
	}
	blocked, err := p.q.FindBlocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("tick: %w", err)
	}
	excluded := make(map[string]bool, len(blocked))
	for _, e := range blocked {
		excluded[e.Workspace] = true
	}
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present[e.Workspace] = true
	}

	var out []types.Entry
	for _, e := range entries {
		if e.State != types.StateDraft && e.State != types.StateChecking {
			continue
		}
		if excluded[e.Workspace] {
			continue
		}
		if e.RebasePending {
			if p.rebases.enqueue(e.Workspace) {
				slog.Debug("rebase queued", "workspace", e.Workspace)
			}
			res.add(e.Workspace, ActionSkipped, "", "rebase pending")
			continue
		}
		if e.ParentWorkspace != "" && !present[e.ParentWorkspace] {
			res.add(e.Workspace, ActionSkipped, "", "parent "+e.ParentWorkspace+" missing")
			continue
		}
		ok, err := p.owned(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("tick: %w", err)
		}
		if !ok {
			res.add(e.Workspace, ActionSkipped, "", "agent "+e.AgentID+" holds no live claim")
			continue
		}
		out = append(out, e)
	}

	slices.SortStableFunc(out, func(a, b types.Entry) int {
		return cmp.Or(
			cmp.Compare(b.Priority, a.Priority),
			cmp.Compare(a.StackDepth, b.StackDepth),
			cmp.Compare(a.Position, b.Position),
			cmp.Compare(a.Workspace, b.Workspace),
		)
	})
	return out, nil
}

func (p *Processor) owned(ctx context.Context, e types.Entry) (bool, error) {
	if e.AgentID == "" || p.owners == nil {
		return true, nil
	}
	holder, ok, err := p.owners.LockHolder(ctx, e.Workspace, p.now())
	if err != nil {
		return false, err
	}
	return ok && holder == e.AgentID, nil
}

// attempt integrates e. It reports false when e was skipped and the next
// candidate should be tried.
func (p *Processor) attempt(ctx context.Context, e types.Entry, res *TickResult) (bool, error) {
	if e.State == types.StateDraft {
		next, err := p.q.TransitionStackState(ctx, e.Workspace, types.StateChecking,
			queue.WithCommandID(commandID(e, "checking")))
		if err != nil {
			return p.skip(e, res, err)
		}
		e = next
	}

	trunk, err := p.vcs.TrunkRevision(ctx)
	if err != nil {
		return false, fmt.Errorf("tick: read trunk: %w", err)
	}

	slog.Info("integrating", "workspace", e.Workspace, "trunk", trunk, "attempt", e.AttemptCount)
	out, err := p.integrate(ctx, e.Workspace, trunk)
	switch {
	case err == nil && out.Success:
		// Landed: record it even if shutdown began meanwhile.
		ctx = context.WithoutCancel(ctx)
	case ctx.Err() != nil:
		// Left in checking; the next tick picks it up again.
		return true, ctx.Err()
	case err != nil:
		return true, p.block(ctx, e, types.BlockIntegration, err.Error(), ActionBlocked, res)
	default:
		return true, p.block(ctx, e, types.BlockIntegration, out.Detail, ActionBlocked, res)
	}

	mergeable, err := p.q.TransitionStackState(ctx, e.Workspace, types.StateMergeable,
		queue.WithCommandID(commandID(e, "mergeable")), queue.WithRevision(trunk))
	if err != nil {
		return p.skip(e, res, err)
	}
	return true, p.land(ctx, mergeable, out.Revision, res)
}

func (p *Processor) integrate(ctx context.Context, workspace, trunk string) (vcs.Outcome, error) {
	ictx, cancel := context.WithTimeout(ctx, p.cfg.IntegrationTimeout)
	defer cancel()

	out, err := p.vcs.Integrate(ictx, workspace, trunk)
	if err == nil && out.Success {
		return out, nil
	}
	if ctx.Err() == nil && errors.Is(ictx.Err(), context.DeadlineExceeded) {
		return vcs.Outcome{}, fmt.Errorf("integration timed out after %s", p.cfg.IntegrationTimeout)
	}
	return out, err
}

// land records mergeable → merged and cascades to the dependents.
func (p *Processor) land(ctx context.Context, e types.Entry, revision string, res *TickResult) error {
	merged, err := p.q.TransitionStackState(ctx, e.Workspace, types.StateMerged,
		queue.WithCommandID(commandID(e, "merged")), queue.WithRevision(revision))
	if err != nil {
		if types.IsValidationError(err) {
			res.add(e.Workspace, ActionSkipped, "", err.Error())
			return nil
		}
		return fmt.Errorf("tick: %w", err)
	}
	res.add(e.Workspace, ActionMerged, revision, "")
	slog.Info("merged", "workspace", e.Workspace, "revision", revision)
	return p.cascade(ctx, merged)
}

// finalize completes an entry that was recorded mergeable but never
// recorded merged. Mergeable means it already landed, so trunk now
// contains it.
func (p *Processor) finalize(ctx context.Context, e types.Entry, res *TickResult) error {
	trunk, err := p.vcs.TrunkRevision(ctx)
	if err != nil {
		return fmt.Errorf("tick: read trunk: %w", err)
	}
	slog.Warn("finalizing interrupted merge", "workspace", e.Workspace, "trunk", trunk)
	return p.land(ctx, e, trunk, res)
}

func (p *Processor) park(ctx context.Context, e types.Entry, res *TickResult) error {
	parent := e.ParentWorkspace
	return p.block(ctx, e, types.BlockAncestor, "waiting for "+parent+" to merge", ActionParked, res)
}

func (p *Processor) block(ctx context.Context, e types.Entry, reason types.BlockReason, detail string, a Action, res *TickResult) error {
	_, err := p.q.TransitionStackState(ctx, e.Workspace, types.StateBlocked,
		queue.WithCommandID(commandID(e, "blocked")),
		queue.WithReason(reason),
		queue.WithDetail(detail))
	if err != nil {
		if types.IsValidationError(err) {
			res.add(e.Workspace, ActionSkipped, "", err.Error())
			return nil
		}
		return fmt.Errorf("tick: %w", err)
	}
	res.add(e.Workspace, a, "", detail)
	slog.Info("blocked", "workspace", e.Workspace, "reason", reason, "detail", detail)
	return nil
}

// skip records a validation failure as a skip. Other errors abort the tick.
func (p *Processor) skip(e types.Entry, res *TickResult, err error) (bool, error) {
	if types.IsValidationError(err) {
		slog.Debug("skipping entry", "workspace", e.Workspace, "error", err)
		res.add(e.Workspace, ActionSkipped, "", err.Error())
		return false, nil
	}
	return false, fmt.Errorf("tick: %w", err)
}

// cascade moves the direct dependents of a merged parent back into
// contention at their original priority and position, and queues their
// rebase onto the parent.
func (p *Processor) cascade(ctx context.Context, parent types.Entry) error {
	children, err := p.q.GetChildren(ctx, parent.Workspace)
	if err != nil {
		return fmt.Errorf("cascade %s: %w", parent.Workspace, err)
	}
	for _, ws := range children {
		child, err := p.q.Get(ctx, ws)
		if err != nil {
			return fmt.Errorf("cascade %s: %w", parent.Workspace, err)
		}
		if child.State.IsTerminal() {
			continue
		}
		if child.State == types.StateDraft ||
			(child.State == types.StateBlocked && child.BlockReason == types.BlockAncestor) {
			_, err := p.q.TransitionStackState(ctx, ws, types.StateChecking,
				queue.WithCommandID(commandID(child, "checking")))
			if err != nil && !types.IsValidationError(err) {
				return fmt.Errorf("cascade %s: %w", parent.Workspace, err)
			}
		}
		p.rebases.enqueue(ws)
		slog.Debug("cascade", "parent", parent.Workspace, "child", ws)
	}
	return nil
}

// Run ticks every TickInterval and runs the rebase worker until ctx is
// cancelled. After MaxConsecutiveFailures failed ticks the train pauses for
// one extra interval.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.runRebases(ctx) })
	g.Go(func() error { return p.runTicks(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) runTicks(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		res, err := p.Tick(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			slog.Error("train tick failed", "error", err)
		}
		if p.recordTick(err != nil || res.Failed()) {
			slog.Warn("train paused after consecutive failures",
				"failures", p.cfg.MaxConsecutiveFailures, "pause", p.cfg.TickInterval)
			if err := sleep(ctx, p.cfg.TickInterval); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// recordTick tracks consecutive failed ticks and reports whether the train
// should pause. The counter resets after a pause.
func (p *Processor) recordTick(failed bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !failed {
		p.failures = 0
		return false
	}
	p.failures++
	if p.cfg.MaxConsecutiveFailures > 0 && p.failures >= p.cfg.MaxConsecutiveFailures {
		p.failures = 0
		return true
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
