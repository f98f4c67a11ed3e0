package sched

import (
	"testing"
	"time"
)

func TestTickClock_EmitsAndCounts(t *testing.T) {
	c := NewTickClock(1)
	c.Start(time.Millisecond)

	for i := 0; i < 3; i++ {
		select {
		case <-c.Ch:
		case <-time.After(time.Second):
			t.Fatal("no tick within a second")
		}
	}
	c.Stop()

	if n := c.Count(); n < 3 {
		t.Fatalf("Count = %d, want at least 3", n)
	}
}

func TestKernel_RealtimePacing(t *testing.T) {
	k := newTestKernel(t, func(c *Config) {
		c.Realtime = true
		c.TickMS = 1
	})

	start := time.Now()
	runFor(t, k, 5)
	if elapsed := time.Since(start); elapsed < 4*time.Millisecond {
		t.Fatalf("5 realtime ticks of 1ms took %v", elapsed)
	}
}
