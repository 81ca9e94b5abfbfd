package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/stacktrain/internal/store"
	"github.com/roach88/stacktrain/internal/types"
)

// Log is the durable side of the engine. *store.Store implements it.
type Log interface {
	LastSeq(ctx context.Context) (int64, error)
	ListEntries(ctx context.Context) ([]types.Entry, error)
	HasCommand(ctx context.Context, commandID string) (bool, error)
	CommandResult(ctx context.Context, commandID string) (types.Entry, int64, bool, error)
	AppendEvent(ctx context.Context, ev types.Event) error
	ApplyEvent(ctx context.Context, ev types.Event) (types.Entry, error)
	Recover(ctx context.Context) (int, error)
}

var _ Log = (*store.Store)(nil)

// Engine is the single writer for one queue instance.
//
// Thread-safety model:
//   - Submit(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//
// Everything below the queue (clock, stale flag, log writes) is touched
// only by the Run goroutine.
type Engine struct {
	log   Log
	clock *Clock
	queue *requestQueue
	ids   IDGenerator
	now   func() time.Time

	// stale is set when an apply failed after its append committed. The
	// next request replays the log tail before doing anything else.
	stale bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithIDGenerator sets the generator used for commands submitted without
// an ID. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithNow sets the wall clock stamped into new events.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine writing to log. The clock is positioned when Run
// starts.
func New(log Log, opts ...Option) *Engine {
	e := &Engine{
		log:   log,
		clock: NewClock(),
		queue: newRequestQueue(),
		ids:   UUIDv7Generator{},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit hands cmd to the Run loop and waits for its result.
//
// If ctx ends first, Submit returns ctx.Err() but the request may still be
// applied. Callers that need certainty resubmit with the same command ID.
func (e *Engine) Submit(ctx context.Context, cmd Command) (Result, error) {
	r := &request{ctx: ctx, cmd: cmd, reply: make(chan reply, 1)}
	if !e.queue.Enqueue(r) {
		return Result{}, ErrStopped
	}

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case rep := <-r.reply:
		return rep.result, rep.err
	}
}

// Run starts the single-writer loop. It brings the table up to the log head,
// then serves requests until ctx is cancelled or Stop is called.
//
// A failing request is answered with its error, logged and the loop moves
// on. Only a failure to reach the log at startup ends Run with an error.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.resync(ctx); err != nil {
		e.drain(err)
		return fmt.Errorf("engine start: %w", err)
	}
	slog.Info("engine starting", "head", e.clock.Current())

	for {
		r, ok := e.queue.TryDequeue()
		if ok {
			e.serve(r)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("engine stopping: context cancelled")
			e.drain(ErrStopped)
			return ctx.Err()

		case <-e.queue.Wait():
			// The signal channel is closed by Stop.
			if e.queue.Closed() {
				slog.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the request queue. Requests not yet dequeued fail with
// ErrStopped.
func (e *Engine) Stop() {
	e.drain(ErrStopped)
}

// drain closes the queue and answers everything left in it.
func (e *Engine) drain(err error) {
	for _, r := range e.queue.Close() {
		r.reply <- reply{err: err}
	}
}

func (e *Engine) serve(r *request) {
	if err := r.ctx.Err(); err != nil {
		r.reply <- reply{err: err}
		return
	}
	// Once started, a request runs to completion even if its submitter
	// gives up.
	ctx := context.WithoutCancel(r.ctx)

	cmd := r.cmd
	if cmd.ID == "" {
		cmd.ID = e.ids.Generate()
	}
	res, err := e.handle(ctx, cmd)
	if err != nil {
		logRequestError(cmd, err)
	}
	r.reply <- reply{result: res, err: err}
}

// handle runs one command through lookup, validation, append and apply.
// Called only from the Run goroutine.
func (e *Engine) handle(ctx context.Context, cmd Command) (Result, error) {
	if e.stale {
		if err := e.resync(ctx); err != nil {
			return Result{}, err
		}
	}

	if res, ok, err := e.lookup(ctx, cmd); err != nil || ok {
		return res, err
	}

	snapshot, err := e.log.ListEntries(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot for %s: %w", cmd.ID, err)
	}
	now := e.now().UTC()
	op, payload, err := plan(cmd, snapshot, now)
	if err != nil {
		return Result{}, err
	}
	data, err := payload.Canonical()
	if err != nil {
		return Result{}, fmt.Errorf("encode payload for %s: %w", cmd.ID, err)
	}

	ev := types.Event{
		Seq:       e.clock.Next(),
		CommandID: cmd.ID,
		Op:        op,
		Workspace: cmd.Workspace,
		Payload:   data,
		CreatedAt: now,
	}
	if err := ev.Seal(); err != nil {
		e.clock.Reset(ev.Seq - 1)
		return Result{}, fmt.Errorf("seal event for %s: %w", cmd.ID, err)
	}

	if err := e.log.AppendEvent(ctx, ev); err != nil {
		e.resyncClock(ctx, ev.Seq-1)
		return Result{}, &store.DurabilityError{Op: "append", Seq: ev.Seq, Err: err}
	}

	entry, err := e.log.ApplyEvent(ctx, ev)
	if err != nil {
		e.stale = true
		return Result{}, &store.DurabilityError{Op: "apply", Seq: ev.Seq, Err: err}
	}

	slog.Debug("command applied",
		"command_id", cmd.ID,
		"kind", cmd.Kind,
		"workspace", cmd.Workspace,
		"seq", ev.Seq,
		"state", entry.State,
	)
	return Result{Entry: entry, Seq: ev.Seq, CommandID: cmd.ID}, nil
}

// lookup returns the stored result when cmd.ID was already applied. A
// command that was appended but never applied is finished by replaying the
// tail first.
func (e *Engine) lookup(ctx context.Context, cmd Command) (Result, bool, error) {
	entry, seq, ok, err := e.log.CommandResult(ctx, cmd.ID)
	if err != nil {
		return Result{}, false, fmt.Errorf("lookup %s: %w", cmd.ID, err)
	}
	if !ok {
		appended, err := e.log.HasCommand(ctx, cmd.ID)
		if err != nil {
			return Result{}, false, fmt.Errorf("lookup %s: %w", cmd.ID, err)
		}
		if !appended {
			return Result{}, false, nil
		}
		if err := e.resync(ctx); err != nil {
			return Result{}, false, err
		}
		entry, seq, ok, err = e.log.CommandResult(ctx, cmd.ID)
		if err != nil {
			return Result{}, false, fmt.Errorf("lookup %s: %w", cmd.ID, err)
		}
		if !ok {
			return Result{}, false, fmt.Errorf("lookup %s: appended but no result after replay", cmd.ID)
		}
	}

	if entry.Workspace != cmd.Workspace {
		return Result{}, false, &types.ValidationError{
			Code:      types.CodeDuplicate,
			Workspace: cmd.Workspace,
			Message:   fmt.Sprintf("command id %s was used for workspace %s", cmd.ID, entry.Workspace),
		}
	}

	slog.Debug("duplicate command", "command_id", cmd.ID, "workspace", cmd.Workspace, "seq", seq)
	return Result{Entry: entry, Seq: seq, CommandID: cmd.ID, Duplicate: true}, true, nil
}

// resync replays any unapplied tail and positions the clock at the head.
func (e *Engine) resync(ctx context.Context) error {
	n, err := e.log.Recover(ctx)
	if err != nil {
		return err
	}
	head, err := e.log.LastSeq(ctx)
	if err != nil {
		return &store.DurabilityError{Op: "recover", Err: err}
	}
	if n > 0 {
		slog.Info("replayed log tail", "events", n, "head", head)
	}
	e.clock.Reset(head)
	e.stale = false
	return nil
}

// resyncClock puts the clock back at the log head after a failed append.
// If the head cannot be read, fallback is assumed.
func (e *Engine) resyncClock(ctx context.Context, fallback int64) {
	head, err := e.log.LastSeq(ctx)
	if err != nil {
		slog.Warn("cannot read log head, assuming append did not land", "error", err, "head", fallback)
		head = fallback
	}
	if head > fallback {
		// The append landed after all; the table is one event behind.
		e.stale = true
	}
	e.clock.Reset(head)
}
