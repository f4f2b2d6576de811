package stats

import (
	"context"
	"time"

	"go.uber.org/atomic"
)

// Throttle is a byte budget per fixed window. The budget is restored by a
// timer at the end of every window, regardless of how it was spent. A
// capacity of 0 means unlimited.
type Throttle struct {
	capacity int64
	window   time.Duration
	consumed *atomic.Int64
}

func NewThrottle(capacity int64, window time.Duration) *Throttle {
	return &Throttle{
		capacity: capacity,
		window:   window,
		consumed: atomic.NewInt64(0),
	}
}

func (t *Throttle) Add(n int) {
	t.consumed.Add(int64(n))
}

func (t *Throttle) IsThrottled() bool {
	return t.capacity > 0 && t.consumed.Load() >= t.capacity
}

// HasBudget reports whether n more bytes fit in the current window. Nothing
// consumed yet always fits, so a capacity smaller than n still progresses.
func (t *Throttle) HasBudget(n int) bool {
	if t.capacity <= 0 {
		return true
	}
	consumed := t.consumed.Load()
	return consumed == 0 || consumed+int64(n) <= t.capacity
}

func (t *Throttle) Consumed() int64 {
	return t.consumed.Load()
}

func (t *Throttle) Capacity() int64 {
	return t.capacity
}

func (t *Throttle) Reset() {
	t.consumed.Store(0)
}

// Run resets the budget every window until ctx is done.
func (t *Throttle) Run(ctx context.Context) {
	ticker := time.NewTicker(t.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Reset()
		}
	}
}
