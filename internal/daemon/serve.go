package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/stacktrain/internal/engine"
	"github.com/roach88/stacktrain/internal/lock"
	"github.com/roach88/stacktrain/internal/queue"
	"github.com/roach88/stacktrain/internal/store"
	"github.com/roach88/stacktrain/internal/train"
	"github.com/roach88/stacktrain/internal/uds"
	"github.com/roach88/stacktrain/internal/vcs"
)

// Options configures Serve.
type Options struct {
	Database   string
	Socket     string
	LockTTL    time.Duration
	Train      train.Config
	Integrator vcs.Integrator
	// Ready, if set, is closed once the socket accepts connections.
	Ready chan<- struct{}
}

// Serve holds the writer lock and runs the engine, the merge train and the
// socket server until ctx is cancelled or one of them fails.
func Serve(ctx context.Context, opts Options) error {
	if err := os.MkdirAll(filepath.Dir(opts.Database), 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	fl := lock.NewFileLock(lock.PathFor(opts.Database))
	if err := fl.TryLock(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer fl.Unlock()

	st, err := store.OpenContext(ctx, opts.Database)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer st.Close()

	eng := engine.New(st)
	q := queue.New(eng, st)
	svc := NewService(q, st, opts.LockTTL)
	proc := train.New(q, opts.Integrator, opts.Train, train.WithOwners(st))

	srv := uds.NewServer(opts.Socket)
	Register(srv, svc)
	if err := srv.Listen(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	if opts.Ready != nil {
		close(opts.Ready)
	}

	slog.Info("stacktrain serving",
		"database", opts.Database,
		"socket", opts.Socket,
		"tick", opts.Train.TickInterval,
		"pid", os.Getpid(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return proc.Run(gctx) })
	g.Go(func() error { return srv.Serve(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		slog.Info("stacktrain stopped")
		return nil
	}
	return err
}
