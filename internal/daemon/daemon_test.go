package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stacktrain/internal/lock"
	"github.com/roach88/stacktrain/internal/queue"
	"github.com/roach88/stacktrain/internal/store"
	"github.com/roach88/stacktrain/internal/testutil"
	"github.com/roach88/stacktrain/internal/train"
	"github.com/roach88/stacktrain/internal/types"
)

// tempDir keeps socket paths short enough for macOS.
func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "st-d-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func startDaemon(t *testing.T, dir string, fake *testutil.FakeIntegrator) Options {
	t.Helper()
	cfg := train.DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.RebaseRate = 0

	ready := make(chan struct{})
	opts := Options{
		Database:   filepath.Join(dir, "queue.db"),
		Socket:     filepath.Join(dir, "d.sock"),
		Train:      cfg,
		Integrator: fake,
		Ready:      ready,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, opts) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon not ready")
	}
	opts.Ready = nil
	return opts
}

func TestServe_RemoteOpsDriveTheTrain(t *testing.T) {
	dir := tempDir(t)
	fake := testutil.NewFakeIntegrator()
	opts := startDaemon(t, dir, fake)
	ctx := context.Background()

	ops, err := Connect(ctx, opts.Socket, opts.Database, 0)
	require.NoError(t, err)
	defer ops.Close()
	require.IsType(t, &Remote{}, ops)

	root, err := ops.Submit(ctx, queue.SubmitRequest{Workspace: "root", CommandID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, types.StateDraft, root.State)

	_, err = ops.Submit(ctx, queue.SubmitRequest{Workspace: "child", Parent: "root", CommandID: "c-2"})
	require.NoError(t, err)

	st, err := store.Open(opts.Database)
	require.NoError(t, err)
	defer st.Close()

	require.Eventually(t, func() bool {
		e, err := st.GetEntry(ctx, "child")
		return err == nil && e.State == types.StateMerged
	}, 5*time.Second, 10*time.Millisecond)

	root, err = st.GetEntry(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, "trunk-1", root.MergedRevision)
}

func TestServe_ValidationErrorsReachTheClient(t *testing.T) {
	dir := tempDir(t)
	opts := startDaemon(t, dir, testutil.NewFakeIntegrator())
	ctx := context.Background()

	ops, err := Connect(ctx, opts.Socket, opts.Database, 0)
	require.NoError(t, err)

	// Ownership keeps the train away from these entries.
	for _, ws := range []string{"a", "b"} {
		_, err := ops.Submit(ctx, queue.SubmitRequest{Workspace: ws, AgentID: "agent-1"})
		require.NoError(t, err)
	}
	_, err = ops.Reparent(ctx, ReparentParams{Workspace: "b", Parent: "a"})
	require.NoError(t, err)

	_, err = ops.Reparent(ctx, ReparentParams{Workspace: "a", Parent: "b"})
	assert.Equal(t, types.CodeCycle, types.ValidationCode(err))

	_, err = ops.Reprioritize(ctx, ReprioritizeParams{Workspace: "a", Priority: 11})
	assert.Equal(t, types.CodeInvalidPriority, types.ValidationCode(err))

	_, err = ops.Transition(ctx, TransitionParams{Workspace: "ghost", State: types.StateKicked})
	assert.Equal(t, types.CodeNotFound, types.ValidationCode(err))
}

func TestServe_ClaimAndRelease(t *testing.T) {
	dir := tempDir(t)
	opts := startDaemon(t, dir, testutil.NewFakeIntegrator())
	ctx := context.Background()

	ops, err := Connect(ctx, opts.Socket, opts.Database, 0)
	require.NoError(t, err)

	l, err := ops.Claim(ctx, ClaimParams{Workspace: "a", AgentID: "agent-1", TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "agent-1", l.AgentID)

	_, err = ops.Claim(ctx, ClaimParams{Workspace: "a", AgentID: "agent-2"})
	assert.Error(t, err)

	renewed, err := ops.Claim(ctx, ClaimParams{Workspace: "a", AgentID: "agent-1", TTL: time.Hour, Renew: true})
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.After(l.ExpiresAt))
	_, err = ops.Claim(ctx, ClaimParams{Workspace: "a", AgentID: "agent-2", Renew: true})
	assert.Error(t, err, "only the holder renews")

	require.NoError(t, ops.Release(ctx, ClaimParams{Workspace: "a", AgentID: "agent-1"}))
	assert.Error(t, ops.Release(ctx, ClaimParams{Workspace: "a", AgentID: "agent-1"}))
}

func TestServe_SecondWriterRefused(t *testing.T) {
	dir := tempDir(t)
	opts := startDaemon(t, dir, testutil.NewFakeIntegrator())

	_, err := OpenLocal(context.Background(), opts.Database, 0)
	assert.ErrorIs(t, err, ErrDaemonUnreachable)
	assert.ErrorIs(t, err, lock.ErrLocked)
}

func TestConnect_FallsBackToLocal(t *testing.T) {
	dir := tempDir(t)
	db := filepath.Join(dir, "sub", "queue.db")
	ctx := context.Background()

	ops, err := Connect(ctx, filepath.Join(dir, "none.sock"), db, 0)
	require.NoError(t, err)
	local, ok := ops.(*Local)
	require.True(t, ok)

	e, err := local.Submit(ctx, queue.SubmitRequest{Workspace: "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Position)

	_, err = local.Transition(ctx, TransitionParams{Workspace: "a", State: types.StateKicked, Detail: "abandoned"})
	require.NoError(t, err)

	purged, err := local.Purge(ctx, PurgeParams{OlderThan: -time.Hour})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, purged)

	require.NoError(t, local.Close())

	// The lock is free again.
	fl := lock.NewFileLock(lock.PathFor(db))
	require.NoError(t, fl.TryLock())
	require.NoError(t, fl.Unlock())
}
