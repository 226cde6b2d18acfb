package clock

import "sync/atomic"

// monotonic is a lock-free uint64 that only moves forward.
type monotonic struct {
	v atomic.Uint64
}

func newMonotonic(start uint64) *monotonic {
	m := &monotonic{}
	m.v.Store(start)
	return m
}

// bump returns the next value.
func (m *monotonic) bump() uint64 {
	return m.v.Add(1)
}

// tick returns max(floor, last+1) and stores it.
func (m *monotonic) tick(floor uint64) uint64 {
	for {
		last := m.v.Load()
		next := last + 1
		if floor > last {
			next = floor
		}
		if m.v.CompareAndSwap(last, next) {
			return next
		}
	}
}

// raise moves the value up to t, never down.
func (m *monotonic) raise(t uint64) {
	for {
		cur := m.v.Load()
		if t <= cur || m.v.CompareAndSwap(cur, t) {
			return
		}
	}
}
