package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/stacktrain/internal/types"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testEvent builds a sealed event. The command ID is derived from seq.
func testEvent(t *testing.T, seq int64, op types.Op, workspace string, p types.Payload) types.Event {
	t.Helper()
	payload, err := p.Canonical()
	if err != nil {
		t.Fatalf("Canonical() failed: %v", err)
	}
	ev := types.Event{
		Seq:       seq,
		CommandID: fmt.Sprintf("cmd-%d", seq),
		Op:        op,
		Workspace: workspace,
		Payload:   payload,
		CreatedAt: baseTime.Add(time.Duration(seq) * time.Second),
	}
	if err := ev.Seal(); err != nil {
		t.Fatalf("Seal() failed: %v", err)
	}
	return ev
}

// write appends and applies ev, failing the test on error.
func write(t *testing.T, s *Store, ev types.Event) types.Entry {
	t.Helper()
	ctx := context.Background()
	if err := s.AppendEvent(ctx, ev); err != nil {
		t.Fatalf("AppendEvent(%d) failed: %v", ev.Seq, err)
	}
	e, err := s.ApplyEvent(ctx, ev)
	if err != nil {
		t.Fatalf("ApplyEvent(%d) failed: %v", ev.Seq, err)
	}
	return e
}

// logWriter hands out dense seqs for a sequence of writes.
type logWriter struct {
	t   *testing.T
	s   *Store
	seq int64
}

func newLogWriter(t *testing.T, s *Store) *logWriter {
	return &logWriter{t: t, s: s}
}

func (w *logWriter) next(op types.Op, workspace string, p types.Payload) types.Entry {
	w.t.Helper()
	w.seq++
	return write(w.t, w.s, testEvent(w.t, w.seq, op, workspace, p))
}

func (w *logWriter) create(workspace, parent string) types.Entry {
	w.t.Helper()
	return w.next(types.OpCreate, workspace, types.Payload{Parent: parent, Priority: types.IntPtr(types.DefaultPriority)})
}

func (w *logWriter) transition(workspace string, to types.QueueState, p types.Payload) types.Entry {
	w.t.Helper()
	p.State = to
	return w.next(types.OpTransition, workspace, p)
}

func mustGet(t *testing.T, s *Store, workspace string) types.Entry {
	t.Helper()
	e, err := s.GetEntry(context.Background(), workspace)
	if err != nil {
		t.Fatalf("GetEntry(%s) failed: %v", workspace, err)
	}
	return e
}
