package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a queue entry does not exist.
var ErrNotFound = errors.New("not found")

// ErrStale is returned by ApplyEvent when the materialized table is not at
// the seq immediately before the event. The caller should Recover.
var ErrStale = errors.New("materialized table is stale")

// DurabilityError wraps a storage failure while appending or applying.
// The request that hit it was aborted; the log is unchanged or complete.
type DurabilityError struct {
	Op  string // "append", "apply" or "recover"
	Seq int64
	Err error
}

func (e *DurabilityError) Error() string {
	return fmt.Sprintf("durability failure during %s (seq %d): %v", e.Op, e.Seq, e.Err)
}

func (e *DurabilityError) Unwrap() error { return e.Err }

// IsDurabilityError reports whether err is a storage failure.
func IsDurabilityError(err error) bool {
	var de *DurabilityError
	return errors.As(err, &de)
}

// CorruptionError halts replay at a malformed or unappliable event.
type CorruptionError struct {
	Seq    int64
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("event log corrupt at seq %d: %s", e.Seq, e.Reason)
}

// IsCorruptionError reports whether err came from a corrupt log.
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// LockHeldError is returned when another agent holds a live claim.
type LockHeldError struct {
	Workspace string
	Holder    string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("workspace %s is claimed by %s", e.Workspace, e.Holder)
}
