// Package store provides SQLite-backed durable storage for the merge queue.
//
// The store holds two views of the same history:
//   - events: the append-only log, the single source of truth
//   - queue_entries: a materialized table derived by applying events in order
//
// # Write Protocol
//
// A mutation is written in two transactions. AppendEvent commits the event
// alone. ApplyEvent then mutates queue_entries, records the command result and
// advances the applied watermark in one transaction. A crash between the two
// leaves the watermark behind the log head; Open (or Recover) notices and
// rebuilds the table from the first event.
//
// # Invariants
//
//   - events.seq is dense and assigned by the single writer
//   - UNIQUE(command_id) makes every command apply at most once
//   - all reads order by position or seq, never by wall-clock time
//   - apply never consults the wall clock; timestamps come from the event
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=FULL: an appended event survives power loss
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - _txlock=immediate: write transactions take the lock up front
package store
