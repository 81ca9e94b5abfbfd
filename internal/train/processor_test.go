package train

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stacktrain/internal/engine"
	"github.com/roach88/stacktrain/internal/queue"
	"github.com/roach88/stacktrain/internal/store"
	"github.com/roach88/stacktrain/internal/testutil"
	"github.com/roach88/stacktrain/internal/types"
)

type fixture struct {
	q     *queue.Store
	s     *store.Store
	vcs   *testutil.FakeIntegrator
	clock *testutil.DeterministicClock
	p     *Processor
}

func setup(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s, err := store.Open(t.TempDir() + "/train.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := testutil.NewDeterministicClock()
	e := engine.New(s,
		engine.WithNow(clock.Now),
		engine.WithIDGenerator(testutil.NewSequentialIDs("cmd")),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	q := queue.New(e, s)
	fake := testutil.NewFakeIntegrator()
	return &fixture{
		q:     q,
		s:     s,
		vcs:   fake,
		clock: clock,
		p:     New(q, fake, cfg, WithNow(clock.Now), WithOwners(s)),
	}
}

func (f *fixture) submit(t *testing.T, req queue.SubmitRequest) types.Entry {
	t.Helper()
	e, err := f.q.Submit(context.Background(), req)
	require.NoError(t, err)
	return e
}

func (f *fixture) get(t *testing.T, ws string) types.Entry {
	t.Helper()
	e, err := f.q.Get(context.Background(), ws)
	require.NoError(t, err)
	return e
}

func (f *fixture) tick(t *testing.T) TickResult {
	t.Helper()
	res, err := f.p.Tick(context.Background())
	require.NoError(t, err)
	return res
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RebaseRate = 0
	return cfg
}

func TestTick_CascadeToBlockedChild(t *testing.T) {
	f := setup(t, fastConfig())
	ctx := context.Background()

	f.submit(t, queue.SubmitRequest{Workspace: "root"})
	f.submit(t, queue.SubmitRequest{Workspace: "child", Parent: "root"})
	_, err := f.q.TransitionStackState(ctx, "child", types.StateChecking)
	require.NoError(t, err)

	res := f.tick(t)
	assert.Equal(t, []string{"child"}, res.Workspaces(ActionParked))
	assert.Equal(t, []string{"root"}, res.Workspaces(ActionMerged))

	root := f.get(t, "root")
	assert.Equal(t, types.StateMerged, root.State)
	assert.Equal(t, "trunk-0", root.TestedAgainst)
	assert.Equal(t, "trunk-1", root.MergedRevision)

	child := f.get(t, "child")
	assert.Equal(t, types.StateChecking, child.State, "blocked on ancestor only, so back to checking")
	assert.Equal(t, types.StackReady, child.StackMergeState)
	assert.Equal(t, types.BlockNone, child.BlockReason)
	assert.True(t, child.RebasePending)
	assert.Equal(t, 2, child.AttemptCount)

	// Not integrated while the rebase is pending.
	res = f.tick(t)
	assert.Empty(t, res.Workspaces(ActionMerged))

	n, err := f.p.FlushRebases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	child = f.get(t, "child")
	assert.False(t, child.RebasePending)
	require.NotNil(t, child.LastRebaseAt)
	assert.True(t, f.clock.Now().Equal(*child.LastRebaseAt))

	res = f.tick(t)
	assert.Equal(t, []string{"child"}, res.Workspaces(ActionMerged))
	assert.Equal(t, "trunk-2", f.get(t, "child").MergedRevision)

	assert.Equal(t, []testutil.Call{
		{Op: "integrate", Workspace: "root", Target: "trunk-0"},
		{Op: "rebase", Workspace: "child", Target: "trunk-1"},
		{Op: "integrate", Workspace: "child", Target: "trunk-1"},
	}, f.vcs.Calls())
}

func TestTick_DraftChildMovesToChecking(t *testing.T) {
	f := setup(t, fastConfig())

	f.submit(t, queue.SubmitRequest{Workspace: "root"})
	f.submit(t, queue.SubmitRequest{Workspace: "child", Parent: "root"})

	res := f.tick(t)
	assert.Equal(t, []string{"root"}, res.Workspaces(ActionMerged))
	assert.Empty(t, res.Workspaces(ActionParked), "draft entries are not parked")
	assert.Equal(t, types.StateChecking, f.get(t, "child").State)
}

func TestTick_OrdersByPriorityDepthPosition(t *testing.T) {
	f := setup(t, fastConfig())
	ctx := context.Background()

	f.submit(t, queue.SubmitRequest{Workspace: "low", Priority: types.IntPtr(2)})
	f.submit(t, queue.SubmitRequest{Workspace: "high-a", Priority: types.IntPtr(9)})
	f.submit(t, queue.SubmitRequest{Workspace: "high-b", Priority: types.IntPtr(9)})

	var order []string
	for range 3 {
		order = append(order, f.tick(t).Workspaces(ActionMerged)...)
	}
	assert.Equal(t, []string{"high-a", "high-b", "low"}, order)

	// Depth beats position at equal priority.
	f.submit(t, queue.SubmitRequest{Workspace: "p"})
	f.submit(t, queue.SubmitRequest{Workspace: "deep", Parent: "p"})
	f.submit(t, queue.SubmitRequest{Workspace: "shallow"})

	assert.Equal(t, []string{"p"}, f.tick(t).Workspaces(ActionMerged))
	_, err := f.p.FlushRebases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"shallow"}, f.tick(t).Workspaces(ActionMerged))
	assert.Equal(t, []string{"deep"}, f.tick(t).Workspaces(ActionMerged))
}

func TestTick_OneEntryPerTick(t *testing.T) {
	f := setup(t, fastConfig())
	f.submit(t, queue.SubmitRequest{Workspace: "a"})
	f.submit(t, queue.SubmitRequest{Workspace: "b"})

	res := f.tick(t)
	assert.Len(t, res.Workspaces(ActionMerged), 1)
	assert.Equal(t, types.StateDraft, f.get(t, "b").State)
}

func TestTick_RequiresLiveOwnerClaim(t *testing.T) {
	f := setup(t, fastConfig())
	ctx := context.Background()

	f.submit(t, queue.SubmitRequest{Workspace: "owned", AgentID: "agent-1"})

	res := f.tick(t)
	assert.Equal(t, []string{"owned"}, res.Workspaces(ActionSkipped))
	assert.Empty(t, f.vcs.Calls())

	_, err := f.s.ClaimWorkspace(ctx, "owned", "agent-2", time.Minute, f.clock.Now())
	require.NoError(t, err)
	res = f.tick(t)
	assert.Equal(t, []string{"owned"}, res.Workspaces(ActionSkipped), "claimed by someone else")

	f.clock.Advance(2 * time.Minute)
	_, err = f.s.ClaimWorkspace(ctx, "owned", "agent-1", time.Minute, f.clock.Now())
	require.NoError(t, err)
	res = f.tick(t)
	assert.Equal(t, []string{"owned"}, res.Workspaces(ActionMerged))
}

func TestTick_IntegrationFailureBlocks(t *testing.T) {
	f := setup(t, fastConfig())
	ctx := context.Background()

	f.submit(t, queue.SubmitRequest{Workspace: "a"})
	f.vcs.ScriptIntegrate("a", testutil.Step{Fail: true, Detail: "3 tests failed"})

	res := f.tick(t)
	assert.Equal(t, []string{"a"}, res.Workspaces(ActionBlocked))
	assert.True(t, res.Failed())

	a := f.get(t, "a")
	assert.Equal(t, types.StateBlocked, a.State)
	assert.Equal(t, types.BlockIntegration, a.BlockReason)
	assert.Equal(t, "3 tests failed", a.ErrorDetail)

	// Blocked entries wait for an explicit retry.
	res = f.tick(t)
	assert.True(t, res.Idle())

	_, err := f.q.Retry(ctx, "a")
	require.NoError(t, err)
	res = f.tick(t)
	assert.Equal(t, []string{"a"}, res.Workspaces(ActionMerged))
}

func TestTick_IntegrationTimeoutBlocks(t *testing.T) {
	cfg := fastConfig()
	cfg.IntegrationTimeout = 20 * time.Millisecond
	f := setup(t, cfg)

	f.submit(t, queue.SubmitRequest{Workspace: "slow"})
	f.vcs.ScriptIntegrate("slow", testutil.Step{Delay: time.Minute})

	res := f.tick(t)
	assert.Equal(t, []string{"slow"}, res.Workspaces(ActionBlocked))

	slow := f.get(t, "slow")
	assert.Equal(t, types.StateBlocked, slow.State)
	assert.Contains(t, slow.ErrorDetail, "timed out")
}

func TestTick_FinalizesInterruptedMerge(t *testing.T) {
	f := setup(t, fastConfig())
	ctx := context.Background()

	f.submit(t, queue.SubmitRequest{Workspace: "a"})
	_, err := f.q.TransitionStackState(ctx, "a", types.StateChecking)
	require.NoError(t, err)
	_, err = f.q.TransitionStackState(ctx, "a", types.StateMergeable, queue.WithRevision("trunk-0"))
	require.NoError(t, err)

	res := f.tick(t)
	assert.Equal(t, []string{"a"}, res.Workspaces(ActionMerged))
	assert.Equal(t, types.StateMerged, f.get(t, "a").State)
	assert.Empty(t, f.vcs.Calls(), "finalizing does not integrate again")
}

func TestTick_FinalizeDoesNotParkReleasedChild(t *testing.T) {
	f := setup(t, fastConfig())
	ctx := context.Background()

	f.submit(t, queue.SubmitRequest{Workspace: "p"})
	f.submit(t, queue.SubmitRequest{Workspace: "c", Parent: "p"})
	_, err := f.q.TransitionStackState(ctx, "c", types.StateChecking)
	require.NoError(t, err)
	_, err = f.q.TransitionStackState(ctx, "p", types.StateChecking)
	require.NoError(t, err)
	_, err = f.q.TransitionStackState(ctx, "p", types.StateMergeable, queue.WithRevision("trunk-0"))
	require.NoError(t, err)
	require.Equal(t, types.StackBlocked, f.get(t, "c").StackMergeState)

	res := f.tick(t)
	assert.Equal(t, []string{"p"}, res.Workspaces(ActionMerged))
	assert.Empty(t, res.Workspaces(ActionParked))

	c := f.get(t, "c")
	assert.Equal(t, types.StateChecking, c.State)
	assert.Equal(t, types.StackReady, c.StackMergeState)
	assert.Equal(t, types.BlockNone, c.BlockReason)
	assert.True(t, c.RebasePending)

	_, err = f.p.FlushRebases(ctx)
	require.NoError(t, err)
	res = f.tick(t)
	assert.Equal(t, []string{"c"}, res.Workspaces(ActionMerged))
}

func TestTick_ParksCheckingEntryUnderUnmergedParent(t *testing.T) {
	f := setup(t, fastConfig())
	ctx := context.Background()

	f.submit(t, queue.SubmitRequest{Workspace: "base", Priority: types.IntPtr(0)})
	f.submit(t, queue.SubmitRequest{Workspace: "top", Priority: types.IntPtr(10)})
	_, err := f.q.TransitionStackState(ctx, "top", types.StateChecking)
	require.NoError(t, err)
	f.vcs.ScriptIntegrate("base", testutil.Step{Fail: true, Detail: "lint"})

	_, err = f.q.Reparent(ctx, "top", "base")
	require.NoError(t, err)

	res := f.tick(t)
	assert.Equal(t, []string{"top"}, res.Workspaces(ActionParked))
	assert.Equal(t, []string{"base"}, res.Workspaces(ActionBlocked))

	top := f.get(t, "top")
	assert.Equal(t, types.StateBlocked, top.State)
	assert.Equal(t, types.BlockAncestor, top.BlockReason)
}

func TestRebaseFailureBlocksCheckingChild(t *testing.T) {
	f := setup(t, fastConfig())
	ctx := context.Background()

	f.submit(t, queue.SubmitRequest{Workspace: "root"})
	f.submit(t, queue.SubmitRequest{Workspace: "child", Parent: "root"})
	f.vcs.ScriptRebase("child", testutil.Step{Fail: true, Detail: "conflict in go.sum"})

	f.tick(t)
	assert.Equal(t, 1, f.p.PendingRebases())

	_, err := f.p.FlushRebases(ctx)
	require.NoError(t, err)

	child := f.get(t, "child")
	assert.Equal(t, types.StateBlocked, child.State)
	assert.Equal(t, types.BlockIntegration, child.BlockReason)
	assert.Equal(t, "rebase onto trunk-1 failed: conflict in go.sum", child.ErrorDetail)
	assert.True(t, child.RebasePending)

	// A retry re-queues the rebase before the child can be integrated.
	_, err = f.q.Retry(ctx, "child")
	require.NoError(t, err)
	res := f.tick(t)
	assert.Empty(t, res.Workspaces(ActionMerged))
	_, err = f.p.FlushRebases(ctx)
	require.NoError(t, err)
	res = f.tick(t)
	assert.Equal(t, []string{"child"}, res.Workspaces(ActionMerged))
}

func TestTick_RetriedStepsAreIdempotent(t *testing.T) {
	f := setup(t, fastConfig())
	ctx := context.Background()

	a := f.submit(t, queue.SubmitRequest{Workspace: "a"})
	checking, err := f.q.TransitionStackState(ctx, "a", types.StateChecking,
		queue.WithCommandID(commandID(a, "checking")))
	require.NoError(t, err)

	// Same key again: the stored result comes back and nothing is appended.
	again, err := f.q.TransitionStackState(ctx, "a", types.StateChecking,
		queue.WithCommandID(commandID(a, "checking")))
	require.NoError(t, err)
	assert.Equal(t, checking, again)

	events, err := f.q.Events(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, "train:a:1:checking", commandID(a, "checking"))
}

func TestTick_PurgesAfterRetention(t *testing.T) {
	cfg := fastConfig()
	cfg.Retention = time.Hour
	f := setup(t, cfg)

	f.submit(t, queue.SubmitRequest{Workspace: "a"})
	res := f.tick(t)
	assert.Equal(t, []string{"a"}, res.Workspaces(ActionMerged))
	assert.Empty(t, res.Purged)

	f.clock.Advance(2 * time.Hour)
	res = f.tick(t)
	assert.Equal(t, []string{"a"}, res.Purged)

	_, err := f.q.Get(context.Background(), "a")
	assert.Equal(t, types.CodeNotFound, types.ValidationCode(err))
}

func TestRecordTick_PausesAfterConsecutiveFailures(t *testing.T) {
	p := New(nil, nil, Config{MaxConsecutiveFailures: 2})

	assert.False(t, p.recordTick(true))
	assert.False(t, p.recordTick(false), "success resets")
	assert.False(t, p.recordTick(true))
	assert.True(t, p.recordTick(true))
	assert.False(t, p.recordTick(true), "counter resets after a pause")
}

func TestRun_DrivesStackToTrunk(t *testing.T) {
	cfg := fastConfig()
	cfg.TickInterval = 5 * time.Millisecond
	f := setup(t, cfg)

	f.submit(t, queue.SubmitRequest{Workspace: "root"})
	f.submit(t, queue.SubmitRequest{Workspace: "mid", Parent: "root"})
	f.submit(t, queue.SubmitRequest{Workspace: "top", Parent: "mid"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.p.Run(ctx) }()

	require.Eventually(t, func() bool {
		e, err := f.q.Get(context.Background(), "top")
		return err == nil && e.State == types.StateMerged
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	var landed []string
	for _, c := range f.vcs.Calls() {
		if c.Op == "integrate" {
			landed = append(landed, c.Workspace)
		}
	}
	assert.Equal(t, "root,mid,top", strings.Join(landed, ","))
}
