package harness

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/roach88/stacktrain/internal/engine"
	"github.com/roach88/stacktrain/internal/queue"
	"github.com/roach88/stacktrain/internal/store"
	"github.com/roach88/stacktrain/internal/testutil"
	"github.com/roach88/stacktrain/internal/train"
	"github.com/roach88/stacktrain/internal/types"
)

// Harness holds one scenario run: a private database, the writer, the
// train and the deterministic helpers that make the run reproducible.
type Harness struct {
	store *store.Store
	queue *queue.Store
	train *train.Processor
	vcs   *testutil.FakeIntegrator
	clock *testutil.DeterministicClock
}

// TrainConfig is the train configuration scenarios run with: no rebase
// rate limit and no automatic purge.
func TrainConfig() train.Config {
	cfg := train.DefaultConfig()
	cfg.RebaseRate = 0
	cfg.Retention = 0
	return cfg
}

// Run executes scenario against a fresh database in dir and evaluates its
// assertions. A step failing with an unexpected validation error fails the
// result; any other error aborts the run.
func Run(ctx context.Context, scenario *Scenario, dir string) (*Result, error) {
	st, err := store.OpenContext(ctx, filepath.Join(dir, "harness.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	clock := testutil.NewDeterministicClock()
	eng := engine.New(st,
		engine.WithNow(clock.Now),
		engine.WithIDGenerator(testutil.NewSequentialIDs("cmd")),
	)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- eng.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	q := queue.New(eng, st)
	fake := testutil.NewFakeIntegrator()
	h := &Harness{
		store: st,
		queue: q,
		train: train.New(q, fake, TrainConfig(), train.WithNow(clock.Now), train.WithOwners(st)),
		vcs:   fake,
		clock: clock,
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		err := h.execute(ctx, step)
		if err := h.check(i, step, err, result); err != nil {
			return nil, err
		}
	}

	if err := h.collect(ctx, result); err != nil {
		return nil, err
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// Codes for claim failures, which are not validation errors.
const (
	CodeLockHeld      = "LOCK_HELD"
	CodeNotLockHolder = "NOT_LOCK_HOLDER"
)

// stepCode names the expected-outcome class of err, or "" when err is not
// one a scenario can expect.
func stepCode(err error) string {
	var held *store.LockHeldError
	switch {
	case errors.As(err, &held):
		return CodeLockHeld
	case errors.Is(err, store.ErrNotLockHolder):
		return CodeNotLockHolder
	}
	return types.ValidationCode(err)
}

// check compares a step's error with its expectation. Validation and claim
// errors are scenario outcomes; anything else is returned.
func (h *Harness) check(i int, step Step, err error, result *Result) error {
	code := stepCode(err)
	switch {
	case err != nil && code == "":
		return fmt.Errorf("step %d (%s %s): %w", i, step.Do, step.Workspace, err)
	case step.ExpectError == "" && err != nil:
		result.AddError(fmt.Sprintf("step %d (%s %s): unexpected error: %v", i, step.Do, step.Workspace, err))
	case step.ExpectError != "" && code != step.ExpectError:
		result.AddError(fmt.Sprintf("step %d (%s %s): expected %s, got %q", i, step.Do, step.Workspace, step.ExpectError, code))
	}
	return nil
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	d, err := step.duration()
	if err != nil {
		return err
	}
	opts := []queue.Option{}
	if step.ID != "" {
		opts = append(opts, queue.WithCommandID(step.ID))
	}

	switch step.Do {
	case DoSubmit:
		_, err = h.queue.Submit(ctx, queue.SubmitRequest{
			Workspace: step.Workspace,
			Parent:    step.Parent,
			Priority:  step.Priority,
			CommandID: step.ID,
			AgentID:   step.Agent,
		})
	case DoRetry:
		_, err = h.queue.Retry(ctx, step.Workspace, opts...)
	case DoKick:
		if step.Detail != "" {
			opts = append(opts, queue.WithDetail(step.Detail))
		}
		_, err = h.queue.Kick(ctx, step.Workspace, opts...)
	case DoReprioritize:
		_, err = h.queue.Reprioritize(ctx, step.Workspace, *step.Priority, opts...)
	case DoReparent:
		_, err = h.queue.Reparent(ctx, step.Workspace, step.Parent, opts...)
	case DoRemove:
		_, err = h.queue.Remove(ctx, step.Workspace, opts...)
	case DoPurge:
		_, err = h.queue.PurgeTerminal(ctx, h.clock.Now().Add(-d))
	case DoClaim:
		if d == 0 {
			d = store.DefaultLockTTL
		}
		_, err = h.store.ClaimWorkspace(ctx, step.Workspace, step.Agent, d, h.clock.Now())
	case DoRelease:
		err = h.store.ReleaseWorkspace(ctx, step.Workspace, step.Agent)
	case DoFailIntegrate:
		h.vcs.ScriptIntegrate(step.Workspace, failures(step)...)
	case DoFailRebase:
		h.vcs.ScriptRebase(step.Workspace, failures(step)...)
	case DoTick:
		for range step.repeat() {
			if err = h.tick(ctx); err != nil {
				break
			}
		}
	case DoAdvance:
		h.clock.Advance(d)
	default:
		err = fmt.Errorf("unknown action %q", step.Do)
	}
	return err
}

func failures(step Step) []testutil.Step {
	detail := step.Detail
	if detail == "" {
		detail = "scripted failure"
	}
	out := make([]testutil.Step, step.repeat())
	for i := range out {
		out[i] = testutil.Step{Fail: true, Detail: detail}
	}
	return out
}

// tick runs one train tick followed by every rebase it queued.
func (h *Harness) tick(ctx context.Context) error {
	if _, err := h.train.Tick(ctx); err != nil {
		return err
	}
	_, err := h.train.FlushRebases(ctx)
	return err
}

// collect fills the trace, the calls and the final table, and verifies
// that replaying the log reproduces the table.
func (h *Harness) collect(ctx context.Context, result *Result) error {
	events, err := h.store.ReadEvents(ctx, 0, 0)
	if err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	for _, ev := range events {
		te, err := traceEvent(ev)
		if err != nil {
			return err
		}
		result.Trace = append(result.Trace, te)
	}

	result.Calls = h.vcs.Calls()
	if result.Final, err = h.store.ListEntries(ctx); err != nil {
		return fmt.Errorf("list entries: %w", err)
	}

	report, err := h.store.VerifyReplay(ctx)
	if err != nil {
		return fmt.Errorf("verify replay: %w", err)
	}
	result.Deterministic = report.Deterministic
	if !report.Deterministic {
		result.AddError(fmt.Sprintf("replay differs for %d workspace(s)", len(report.Diffs)))
	}
	return nil
}

func traceEvent(ev types.Event) (TraceEvent, error) {
	p, err := types.DecodePayload(ev.Payload)
	if err != nil {
		return TraceEvent{}, fmt.Errorf("event %d: %w", ev.Seq, err)
	}
	return TraceEvent{
		Seq:       ev.Seq,
		Op:        string(ev.Op),
		Workspace: ev.Workspace,
		CommandID: ev.CommandID,
		Kind:      string(p.Kind),
		Parent:    p.Parent,
		Priority:  p.Priority,
		State:     string(p.State),
		Reason:    string(p.BlockReason),
		Detail:    p.Detail,
		Revision:  p.Revision,
	}, nil
}
