package core

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// fakeClock is a manually-advanced Clock for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
	ctr atomic.Uint64
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	// Only the fake time moves; the broker's AfterFunc timers and sweep
	// ticker run on real time and are not affected.
}

func (c *fakeClock) NewSessionID() string {
	return fmt.Sprintf("tx_fake_%d", c.ctr.Add(1))
}
