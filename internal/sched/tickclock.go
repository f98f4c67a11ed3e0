// internal/sched/tickclock.go

package sched

import (
	"sync/atomic"
	"time"
)

// Tick counts kernel ticks.
type Tick uint64

const (
	NoWait  Tick = 0        // poll, never block
	Forever Tick = ^Tick(0) // block without a deadline
)

// TickClock emits ticks and counts them atomically. The kernel only uses it
// in realtime mode, to pace virtual ticks against the wall clock.
type TickClock struct {
	Ch    chan struct{}
	count atomic.Int64
	stop  chan struct{}
}

// NewTickClock creates a clock but does not share it.
func NewTickClock(buffer int) *TickClock {
	return &TickClock{
		Ch:   make(chan struct{}, buffer),
		stop: make(chan struct{}),
	}
}

// Start begins emitting ticks at the given interval.
func (c *TickClock) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.count.Add(1)
				select {
				case c.Ch <- struct{}{}:
				case <-c.stop:
					close(c.Ch)
					return
				}
			case <-c.stop:
				close(c.Ch)
				return
			}
		}
	}()
}

// Stop signals the clock to stop emitting ticks.
func (c *TickClock) Stop() {
	close(c.stop)
}

// Count returns the current tick count atomically.
func (c *TickClock) Count() int64 {
	return c.count.Load()
}
