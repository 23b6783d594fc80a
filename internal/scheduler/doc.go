// Package scheduler admits queued model runs up to a fixed concurrency limit,
// supervises each admitted run with a deadline, and retires it into a terminal
// state.
//
// Admission is performed by a single owner goroutine (Scheduler.Run) that is
// woken only on an enqueue or on a terminal transition. The registry it drives
// is process-local: running two schedulers against the same runs directory or
// snapshot file is unsupported.
package scheduler
