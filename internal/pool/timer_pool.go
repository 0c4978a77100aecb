// Package pool holds sync.Pool backed pools for timers and datagram buffers.
package pool

import (
	"sync"
	"time"
)

// The module targets Go 1.23+, where Stop and Reset discard a pending expiration, so pooled timers
// never need their channel drained.
var timerPool = sync.Pool{
	New: func() any {
		t := time.NewTimer(time.Hour)
		t.Stop()

		return t
	},
}

// GetTimer returns a timer armed to fire after d. Release it with PutTimer.
func GetTimer(d time.Duration) *time.Timer {
	t := timerPool.Get().(*time.Timer) //nolint:forcetypeassert
	t.Reset(d)

	return t
}

// PutTimer stops t and returns it to the pool. t must not be used afterwards.
func PutTimer(t *time.Timer) {
	t.Stop()
	timerPool.Put(t)
}
