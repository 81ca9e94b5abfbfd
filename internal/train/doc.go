// Package train drives the merge train.
//
// Each tick the Processor picks the single most eligible entry (priority
// desc, stack depth asc, position asc), integrates it on trunk through a
// vcs.Integrator and records the outcome as queue writes. Landing a parent
// cascades to its direct dependents: they move to checking and a rebase
// onto the merged parent is queued. Rebases run on a separate, rate-limited
// worker, and an entry is not integrated while its rebase is pending.
//
// The processor holds no write lock while an integration runs. Every write
// carries a command ID derived from the entry's last seq, so a tick that is
// retried after a crash cannot apply the same step twice.
package train
