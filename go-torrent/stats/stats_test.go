package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/atomic"
)

type progress struct {
	downloaded *atomic.Int64
	total      int64
}

func (p *progress) Downloaded() int64 { return p.downloaded.Load() }
func (p *progress) Left() int64       { return p.total - p.downloaded.Load() }

func TestTrackerStats(t *testing.T) {
	p := &progress{downloaded: atomic.NewInt64(100), total: 1000}
	s := NewStats(p)
	s.AddUploaded(30)
	s.AddUploaded(12)
	up, down, left := s.GetTrackerStats()
	assert.Equal(t, int64(42), up)
	assert.Equal(t, int64(100), down)
	assert.Equal(t, int64(900), left)
}

func TestTick(t *testing.T) {
	p := &progress{downloaded: atomic.NewInt64(0), total: 1000}
	s := NewStats(p)
	s.AddUploaded(100)
	p.downloaded.Store(500)
	up, down := s.Tick()
	assert.Equal(t, int64(10), up)
	assert.Equal(t, int64(50), down)

	up, down = s.Tick()
	assert.Equal(t, int64(10), up)
	assert.Equal(t, int64(50), down)
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(1000, time.Hour)
	assert.False(t, th.IsThrottled())
	assert.True(t, th.HasBudget(5000))

	th.Add(600)
	assert.False(t, th.IsThrottled())
	assert.True(t, th.HasBudget(400))
	assert.False(t, th.HasBudget(401))

	th.Add(400)
	assert.True(t, th.IsThrottled())
	assert.Equal(t, int64(1000), th.Consumed())

	th.Reset()
	assert.False(t, th.IsThrottled())
	assert.Equal(t, int64(0), th.Consumed())
}

func TestThrottleWindowReset(t *testing.T) {
	th := NewThrottle(1000, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go th.Run(ctx)

	th.Add(1000)
	assert.True(t, th.IsThrottled())
	assert.Eventually(t, func() bool {
		return !th.IsThrottled() && th.Consumed() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestThrottleUnlimited(t *testing.T) {
	th := NewThrottle(0, time.Second)
	th.Add(1 << 30)
	assert.False(t, th.IsThrottled())
	assert.True(t, th.HasBudget(1<<20))
}
