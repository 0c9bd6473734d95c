package algorithm

import (
	"sync"
	"time"

	"github.com/Fischlvor/go-distributed-ratelimiter/drivers/store/memory"
)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	// 整分钟起点，计数器窗口与桶边界对齐
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(clock *fakeClock) *memory.Store {
	return memory.NewStore(memory.WithClock(clock.Now))
}
