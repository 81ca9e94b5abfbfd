package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/stacktrain/internal/engine"
	"github.com/roach88/stacktrain/internal/lock"
	"github.com/roach88/stacktrain/internal/queue"
	"github.com/roach88/stacktrain/internal/store"
	"github.com/roach88/stacktrain/internal/uds"
)

// ErrDaemonUnreachable is returned when the writer lock is held but no
// daemon answers on the socket.
var ErrDaemonUnreachable = errors.New("writer lock held but no daemon answers on the socket")

// Local is Ops with a private writer, used when no daemon is serving.
type Local struct {
	*Service

	st     *store.Store
	lock   *lock.FileLock
	cancel context.CancelFunc
	done   chan error
}

// OpenLocal takes the writer lock for dbPath, opens the store and starts an
// engine. Close releases all three.
func OpenLocal(ctx context.Context, dbPath string, lockTTL time.Duration) (*Local, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	fl := lock.NewFileLock(lock.PathFor(dbPath))
	if err := fl.TryLock(); err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, fmt.Errorf("%w: %w", ErrDaemonUnreachable, err)
		}
		return nil, err
	}

	st, err := store.OpenContext(ctx, dbPath)
	if err != nil {
		_ = fl.Unlock()
		return nil, err
	}

	eng := engine.New(st)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan error, 1)
	go func() { done <- eng.Run(runCtx) }()

	return &Local{
		Service: NewService(queue.New(eng, st), st, lockTTL),
		st:      st,
		lock:    fl,
		cancel:  cancel,
		done:    done,
	}, nil
}

// Store exposes the store for reads.
func (l *Local) Store() *store.Store { return l.st }

// Close stops the writer and releases the lock and the store.
func (l *Local) Close() error {
	l.cancel()
	if err := <-l.done; err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("local writer stopped with error", "error", err)
	}
	return errors.Join(l.st.Close(), l.lock.Unlock())
}

// Connect returns Ops for the daemon on socketPath if one answers, else a
// Local over dbPath.
func Connect(ctx context.Context, socketPath, dbPath string, lockTTL time.Duration) (Ops, error) {
	c := uds.NewClient(socketPath)
	if c.Available(ctx) {
		slog.Debug("using daemon", "socket", socketPath)
		return NewRemote(c), nil
	}
	slog.Debug("no daemon, writing directly", "database", dbPath)
	return OpenLocal(ctx, dbPath, lockTTL)
}
