package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates command IDs prefix-1, prefix-2, ...
//
// The same scenario with a fresh SequentialIDs produces byte-identical event
// logs, which the golden traces depend on. Implements engine.IDGenerator.
//
// Thread-safety: SequentialIDs is safe for concurrent use.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix means "cmd".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "cmd"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next ID.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
