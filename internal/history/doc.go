// Package history persists completed run results to SQLite.
//
// It records what a load run *did* — per-job due/executed timestamps and the
// run verdict — so lateness distributions can be inspected offline. Pending
// jobs are never persisted; the scheduler is strictly in-memory.
package history
