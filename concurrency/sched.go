package concurrency

import "runtime"

// yieldToScheduler hands off the processor while spin-waiting for a
// named lock to free up. A production deployment would replace the
// busy-wait with a condition variable per lock; this keeps the
// acquisition path allocation-free and easy to reason about for the
// bounded number of named locks spec §5 defines.
func yieldToScheduler() {
	runtime.Gosched()
}
