// Package engine implements the single-writer reactor that serializes every
// mutation of a stacktrain queue.
//
// ARCHITECTURE:
//
// Single-Writer Request Loop:
// All writes for one queue instance go through Engine.Run, a single
// goroutine consuming a FIFO request queue. Callers use Submit from any
// goroutine and block until their request is answered. This ensures:
// - Total write order (the event seq is the submission order)
// - Validation always sees the table as of the previous write
// - A failed request cannot interleave with the next one
//
// Request Processing Flow:
// 1. Idempotency lookup by command ID (a retried command gets its stored result)
// 2. If the previous apply failed, replay the log tail first
// 3. Validate against a snapshot of the table (no write on rejection)
// 4. Append the event in its own transaction (synchronous=FULL)
// 5. Apply it: table mutation, command result and watermark in one transaction
//
// A request that fails is answered with its error and the loop continues
// with the next one.
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// Events are stamped from Clock.Next(). The clock is resynced from the log
// head whenever an append fails, so seqs never skip.
//
// Deterministic Apply:
// The apply step reads only the table and the event. Wall-clock time enters
// an event once, when it is built, so replay reproduces the table exactly.
package engine
