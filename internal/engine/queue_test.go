package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func req(ws string) *request {
	return &request{cmd: Command{Kind: KindCreate, Workspace: ws}, reply: make(chan reply, 1)}
}

func TestRequestQueue_FIFO(t *testing.T) {
	q := newRequestQueue()

	for _, ws := range []string{"A", "B", "C"} {
		require.True(t, q.Enqueue(req(ws)))
	}

	for _, want := range []string{"A", "B", "C"} {
		r, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, r.cmd.Workspace)
	}

	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestRequestQueue_Len(t *testing.T) {
	q := newRequestQueue()
	assert.Equal(t, 0, q.Len())

	q.Enqueue(req("a"))
	q.Enqueue(req("b"))
	assert.Equal(t, 2, q.Len())

	q.TryDequeue()
	assert.Equal(t, 1, q.Len())
}

func TestRequestQueue_WaitSignals(t *testing.T) {
	q := newRequestQueue()

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Enqueue(req("late"))
	}()

	select {
	case <-q.Wait():
		r, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, "late", r.cmd.Workspace)
	case <-time.After(time.Second):
		t.Fatal("wait did not signal")
	}
}

func TestRequestQueue_CloseReturnsPending(t *testing.T) {
	q := newRequestQueue()
	q.Enqueue(req("a"))
	q.Enqueue(req("b"))

	pending := q.Close()
	assert.Len(t, pending, 2)

	assert.False(t, q.Enqueue(req("c")), "enqueue after close should fail")
	assert.Nil(t, q.Close(), "second close is a no-op")

	select {
	case <-q.Wait():
	default:
		t.Fatal("close should wake waiters")
	}
}

func TestRequestQueue_ThreadSafe(t *testing.T) {
	q := newRequestQueue()
	const producers = 10
	const perProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(req(fmt.Sprintf("ws-%d-%d", p, i)))
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for {
		r, ok := q.TryDequeue()
		if !ok {
			break
		}
		seen[r.cmd.Workspace] = true
	}
	assert.Len(t, seen, producers*perProducer)
}
