package store

import "time"

// monotonicClock mints strictly increasing nanosecond timestamps used
// as message IDs. Wall-clock regressions never produce a duplicate or
// out-of-order ID: each mint is max(last+1, now).
//
// Only touched from the store's single worker goroutine, so it needs no
// locking.
type monotonicClock struct {
	lastSeen int64
	now      func() int64
}

func newMonotonicClock() *monotonicClock {
	return &monotonicClock{now: func() int64 { return time.Now().UnixNano() }}
}

// next returns a fresh strictly-increasing timestamp.
func (c *monotonicClock) next() int64 {
	t := c.now()
	if t <= c.lastSeen {
		t = c.lastSeen + 1
	}
	c.lastSeen = t
	return t
}
