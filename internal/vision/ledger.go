package vision

import "sync/atomic"

// Ledger counts buffer allocations for one engine. It is safe for
// concurrent use.
type Ledger struct {
	allocated atomic.Int64
	released  atomic.Int64
}

// Alloc records a new buffer.
func (l *Ledger) Alloc() {
	l.allocated.Add(1)
}

// Release records a released buffer.
func (l *Ledger) Release() {
	l.released.Add(1)
}

// Stats returns a snapshot of the counters.
func (l *Ledger) Stats() BufferStats {
	// Read released first so a concurrent Alloc+Release pair can never make
	// Live negative.
	rel := l.released.Load()
	return BufferStats{Allocated: l.allocated.Load(), Released: rel}
}
