package sched

import (
	"context"
	"testing"
)

// newTestKernel builds a quiet kernel without the timer service unless
// mutate turns it back on.
func newTestKernel(t *testing.T, mutate func(*Config), opts ...Option) *Kernel {
	t.Helper()
	cfg := DefaultConfig()
	cfg.UseTimers = false
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{WithLogger(NewNoOpLogger())}, opts...)
	k, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(k.Close)
	return k
}

func spawn(t *testing.T, k *Kernel, name string, prio int, fn TaskFunc) TaskHandle {
	t.Helper()
	h, err := k.CreateTask(TaskSpec{Name: name, Entry: fn, Priority: prio, StackDepth: k.Config().MinimalStack})
	if err != nil {
		t.Fatalf("CreateTask(%s) failed: %v", name, err)
	}
	return h
}

func runFor(t *testing.T, k *Kernel, ticks Tick) {
	t.Helper()
	if err := k.RunFor(context.Background(), ticks); err != nil {
		t.Fatalf("RunFor(%d) failed: %v", ticks, err)
	}
}

// park blocks the calling task for good.
func park(tc *TaskContext) {
	_ = tc.Delay(Forever)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
