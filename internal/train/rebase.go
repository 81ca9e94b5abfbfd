package train

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/stacktrain/internal/queue"
	"github.com/roach88/stacktrain/internal/types"
)

// rebaseQueue holds workspaces waiting for a rebase onto their merged
// parent. A workspace is queued at most once until it has been processed.
type rebaseQueue struct {
	mu      sync.Mutex
	pending []string
	queued  map[string]bool
	notify  chan struct{}
}

func newRebaseQueue() *rebaseQueue {
	return &rebaseQueue{queued: map[string]bool{}, notify: make(chan struct{}, 1)}
}

// enqueue reports whether ws was added.
func (q *rebaseQueue) enqueue(ws string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queued[ws] {
		return false
	}
	q.queued[ws] = true
	q.pending = append(q.pending, ws)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *rebaseQueue) next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return "", false
	}
	ws := q.pending[0]
	q.pending = q.pending[1:]
	return ws, true
}

func (q *rebaseQueue) done(ws string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queued, ws)
}

func (q *rebaseQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// PendingRebases returns the number of queued rebases.
func (p *Processor) PendingRebases() int {
	return p.rebases.len()
}

// FlushRebases runs every queued rebase, honoring the rate limit, and
// returns how many were processed.
func (p *Processor) FlushRebases(ctx context.Context) (int, error) {
	n := 0
	for {
		ws, ok := p.rebases.next()
		if !ok {
			return n, nil
		}
		if err := p.limiter.Wait(ctx); err != nil {
			p.rebases.done(ws)
			return n, err
		}
		err := p.rebase(ctx, ws)
		p.rebases.done(ws)
		if err != nil {
			return n, err
		}
		n++
	}
}

func (p *Processor) runRebases(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.rebases.notify:
		}
		if _, err := p.FlushRebases(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("rebase worker", "error", err)
		}
	}
}

// rebase moves ws onto its merged parent's revision, or onto trunk when the
// parent is gone. Success clears RebasePending. A failed rebase blocks a
// checking entry; in any other state it is only logged and retried later.
func (p *Processor) rebase(ctx context.Context, ws string) error {
	e, err := p.q.Get(ctx, ws)
	if types.ValidationCode(err) == types.CodeNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("rebase %s: %w", ws, err)
	}
	if e.State.IsTerminal() || !e.RebasePending {
		return nil
	}

	onto, err := p.rebaseTarget(ctx, e)
	if err != nil {
		return fmt.Errorf("rebase %s: %w", ws, err)
	}

	out, err := p.vcs.Rebase(ctx, ws, onto)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil && out.Success {
		_, err := p.q.MarkRebased(ctx, ws, p.now(), queue.WithCommandID(commandID(e, "rebased")))
		if err != nil && !types.IsValidationError(err) {
			return fmt.Errorf("rebase %s: %w", ws, err)
		}
		slog.Info("rebased", "workspace", ws, "onto", onto, "head", out.Revision)
		return nil
	}

	detail := out.Detail
	if err != nil {
		detail = err.Error()
	}
	detail = fmt.Sprintf("rebase onto %s failed: %s", onto, detail)
	if e.State != types.StateChecking {
		slog.Warn("rebase failed", "workspace", ws, "state", e.State, "detail", detail)
		return nil
	}
	_, err = p.q.TransitionStackState(ctx, ws, types.StateBlocked,
		queue.WithCommandID(commandID(e, "blocked")),
		queue.WithReason(types.BlockIntegration),
		queue.WithDetail(detail))
	if err != nil && !types.IsValidationError(err) {
		return fmt.Errorf("rebase %s: %w", ws, err)
	}
	slog.Info("blocked", "workspace", ws, "reason", types.BlockIntegration, "detail", detail)
	return nil
}

func (p *Processor) rebaseTarget(ctx context.Context, e types.Entry) (string, error) {
	if e.ParentWorkspace != "" {
		parent, err := p.q.Get(ctx, e.ParentWorkspace)
		if err == nil && parent.State == types.StateMerged && parent.MergedRevision != "" {
			return parent.MergedRevision, nil
		}
		if err != nil && types.ValidationCode(err) != types.CodeNotFound {
			return "", err
		}
	}
	return p.vcs.TrunkRevision(ctx)
}
