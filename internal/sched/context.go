package sched

import (
	"runtime"
)

// TaskContext is handed to a task's entry function. Blocking calls are only
// available through it, and only while its task holds the CPU.
type TaskContext struct {
	k *Kernel
	t *tcb
}

// lock enters the critical section on behalf of the running task.
func (tc *TaskContext) lock() (*Kernel, error) {
	k := tc.k
	k.mu.Lock()
	if err := tc.checkLocked(); err != nil {
		k.mu.Unlock()
		return nil, err
	}
	k.commitLocked()
	return k, nil
}

func (tc *TaskContext) checkLocked() error {
	k := tc.k
	switch {
	case k.inISR:
		return ErrInvalidFromInterrupt
	case tc.t.killed || k.onCPU != tc.t:
		return ErrNotRunning
	}
	return nil
}

// unlock leaves the critical section and gives up the CPU if the operation
// made a higher priority task ready. It does nothing once the task has been
// killed out of yieldLocked, which returns without the lock.
func (tc *TaskContext) unlock() {
	k, t := tc.k, tc.t
	if t.unwound {
		return
	}
	k.commitLocked()
	if t.state == StateRunning && k.ready.highest() > t.prio {
		k.yieldLocked(t, yieldPreempt)
	}
	k.mu.Unlock()
}

// Kernel returns the kernel the task runs on.
func (tc *TaskContext) Kernel() *Kernel { return tc.k }

// Handle returns the task's own handle.
func (tc *TaskContext) Handle() TaskHandle { return tc.t.handle }

// Name returns the task name.
func (tc *TaskContext) Name() string { return tc.t.name }

// Arg returns the argument given at creation.
func (tc *TaskContext) Arg() any { return tc.t.arg }

// Priority returns the task's effective priority.
func (tc *TaskContext) Priority() int {
	tc.k.mu.Lock()
	defer tc.k.mu.Unlock()
	return tc.t.prio
}

// TickCount returns the current tick.
func (tc *TaskContext) TickCount() Tick { return tc.k.TickCount() }

// Delay blocks the task for the given number of ticks. A zero delay is a
// yield.
func (tc *TaskContext) Delay(ticks Tick) error {
	k, err := tc.lock()
	if err != nil {
		return err
	}
	defer tc.unlock()

	if ticks == NoWait {
		k.yieldLocked(tc.t, yieldVoluntary)
		return nil
	}
	k.blockLocked(tc.t, nil, ticks)
	return nil
}

// DelayUntil blocks until *prev + increment and advances *prev by increment,
// giving a fixed period regardless of how long the task ran. It reports
// false when the wake time had already passed.
func (tc *TaskContext) DelayUntil(prev *Tick, increment Tick) (bool, error) {
	k, err := tc.lock()
	if err != nil {
		return false, err
	}
	defer tc.unlock()

	next := *prev + increment
	*prev = next
	if next <= k.tick {
		return false, nil
	}
	k.blockLocked(tc.t, nil, next-k.tick)
	return true, nil
}

// Yield moves the task to the tail of its ready list.
func (tc *TaskContext) Yield() error {
	k, err := tc.lock()
	if err != nil {
		return err
	}
	defer tc.unlock()

	k.yieldLocked(tc.t, yieldVoluntary)
	return nil
}

// Busy consumes CPU time for the given number of ticks. The task can be
// preempted or time-sliced between ticks, and only there: spinning is not
// a kernel call.
func (tc *TaskContext) Busy(ticks Tick) error {
	for i := Tick(0); i < ticks; i++ {
		k, err := tc.lock()
		if err != nil {
			return err
		}
		k.yieldLocked(tc.t, yieldTick)
		k.commitLocked()
		k.mu.Unlock()
	}
	return nil
}

// Suspend suspends the calling task until another task resumes it.
func (tc *TaskContext) Suspend() error {
	k, err := tc.lock()
	if err != nil {
		return err
	}
	defer tc.unlock()

	k.suspendLocked(tc.t)
	k.yieldLocked(tc.t, yieldBlock)
	return nil
}

// Delete ends the calling task. It does not return. Deferred calls in the
// task body still run.
func (tc *TaskContext) Delete() {
	k := tc.k
	k.mu.Lock()
	err := tc.checkLocked()
	k.mu.Unlock()
	if err != nil {
		return
	}
	runtime.Goexit()
}

// CreateTask creates a task. A higher priority task runs before this call
// returns.
func (tc *TaskContext) CreateTask(spec TaskSpec) (TaskHandle, error) {
	k, err := tc.lock()
	if err != nil {
		return TaskHandle{}, err
	}
	defer tc.unlock()

	t, err := k.createTaskLocked(spec)
	if err != nil {
		return TaskHandle{}, err
	}
	return t.handle, nil
}

// DeleteTask deletes another task, or the caller itself.
func (tc *TaskContext) DeleteTask(h TaskHandle) error {
	if h == tc.t.handle {
		tc.Delete()
		return ErrNotRunning
	}

	k, err := tc.lock()
	if err != nil {
		return err
	}
	t, err := k.taskLocked(h)
	if err != nil {
		tc.unlock()
		return err
	}
	done, err := k.deleteOtherLocked(t)
	if err != nil {
		tc.unlock()
		return err
	}

	k.mu.Unlock()
	<-done
	k.mu.Lock()
	tc.unlock()
	return nil
}

// SuspendTask suspends another task, or the caller itself.
func (tc *TaskContext) SuspendTask(h TaskHandle) error {
	if h == tc.t.handle {
		return tc.Suspend()
	}

	k, err := tc.lock()
	if err != nil {
		return err
	}
	defer tc.unlock()

	t, err := k.taskLocked(h)
	if err != nil {
		return err
	}
	k.suspendLocked(t)
	return nil
}

// ResumeTask makes a suspended task ready; it runs at once if it has a
// higher priority than the caller.
func (tc *TaskContext) ResumeTask(h TaskHandle) (bool, error) {
	k, err := tc.lock()
	if err != nil {
		return false, err
	}
	defer tc.unlock()

	t, err := k.taskLocked(h)
	if err != nil {
		return false, err
	}
	return k.resumeLocked(t), nil
}

// SetPriority changes the base priority of a task, or of the caller when h
// is its own handle.
func (tc *TaskContext) SetPriority(h TaskHandle, prio int) error {
	k, err := tc.lock()
	if err != nil {
		return err
	}
	defer tc.unlock()

	t, err := k.taskLocked(h)
	if err != nil {
		return err
	}
	return k.setBasePrioLocked(t, prio)
}
