package sched

import (
	"fmt"
	"runtime"
)

func (k *Kernel) createTaskLocked(spec TaskSpec) (*tcb, error) {
	if spec.Entry == nil {
		return nil, fmt.Errorf("%w: task %q has no entry function", ErrInvalidArgument, spec.Name)
	}
	if spec.Priority < 0 || spec.Priority >= k.cfg.MaxPriorities {
		return nil, fmt.Errorf("%w: priority %d outside 0..%d", ErrInvalidArgument, spec.Priority, k.cfg.MaxPriorities-1)
	}

	static := spec.Stack != nil
	depth := spec.StackDepth
	if static {
		depth = len(spec.Stack)
	}
	if depth < k.cfg.MinimalStack {
		return nil, fmt.Errorf("%w: stack of %d bytes below minimum %d", ErrInvalidArgument, depth, k.cfg.MinimalStack)
	}

	t := &tcb{
		name:     spec.Name,
		basePrio: spec.Priority,
		prio:     spec.Priority,
		entry:    spec.Entry,
		arg:      spec.Arg,
		static:   static,
		resume:   make(chan struct{}),
		kill:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if static {
		t.stack = spec.Stack
	} else {
		if !k.heap.alloc(tcbOverhead + depth) {
			k.log.Warn("task allocation failed", F("task", spec.Name), F("bytes", tcbOverhead+depth), F("free", k.heap.free()))
			return nil, fmt.Errorf("%w: task %q needs %d bytes, %d free", ErrResourceExhausted, spec.Name, tcbOverhead+depth, k.heap.free())
		}
		t.stack = make([]byte, depth)
	}

	h, ok := k.tasks.insert(t)
	if !ok {
		k.heap.release(t.heapBytes())
		return nil, fmt.Errorf("%w: task table full (%d tasks)", ErrResourceExhausted, k.cfg.MaxTasks)
	}
	t.handle = TaskHandle{h}

	k.startTaskLocked(t)
	k.makeReadyLocked(t, StatusCreate)
	k.log.Debug("task created", F("task", t.name), F("priority", t.prio), F("handle", t.handle))
	return t, nil
}

// startTaskLocked starts t's goroutine. It waits for its first dispatch.
func (k *Kernel) startTaskLocked(t *tcb) {
	tc := &TaskContext{k: k, t: t}
	go func() {
		defer close(t.done)
		defer k.taskExit(t)

		select {
		case <-t.resume:
		case <-t.kill:
			runtime.Goexit()
		}
		t.entry(tc)
	}()
}

// taskExit runs when a task goroutine ends: by returning, by Delete, by
// panicking, or because another task deleted it.
func (k *Kernel) taskExit(t *tcb) {
	r := recover()
	if f, ok := r.(kernelFault); ok {
		panic(f)
	}

	k.mu.Lock()
	if t.killed {
		k.mu.Unlock()
		return
	}
	if r != nil {
		k.log.Error("task panicked", F("task", t.name), F("panic", r))
	}
	k.retireSelfLocked(t)
	k.mu.Unlock()

	k.yieldCh <- yieldReq{task: t, kind: yieldExit}
}

// retireSelfLocked removes the task that is ending its own goroutine. Its
// stack is reclaimed later by the idle path.
func (k *Kernel) retireSelfLocked(t *tcb) {
	k.onCPU = nil
	if k.current == t {
		k.current = nil
	}
	k.releaseHeldLocked(t)
	t.state = StateDeleted
	k.tasks.remove(t.handle.Handle)
	k.terminating = append(k.terminating, t)
	k.log.Debug("task deleted itself", F("task", t.name))
	k.emitLocked(taskEvent(StatusDelete, t))
	k.commitLocked()
}

func (k *Kernel) reclaimTerminatedLocked() {
	for _, t := range k.terminating {
		k.heap.release(t.heapBytes())
		t.stack = nil
	}
	k.terminating = k.terminating[:0]
}

// deleteOtherLocked deletes a task that does not hold the CPU. The caller
// must release k.mu and wait on the returned channel.
func (k *Kernel) deleteOtherLocked(t *tcb) (<-chan struct{}, error) {
	if t == k.onCPU {
		return nil, fmt.Errorf("%w: task %q is running and must delete itself", ErrInvalidArgument, t.name)
	}
	k.unlinkLocked(t, wakeDeleted)
	k.releaseHeldLocked(t)
	t.state = StateDeleted
	t.killed = true
	k.tasks.remove(t.handle.Handle)
	k.heap.release(t.heapBytes())
	close(t.kill)
	k.log.Debug("task deleted", F("task", t.name))
	k.emitLocked(taskEvent(StatusDelete, t))
	return t.done, nil
}

// releaseHeldLocked hands every mutex t still owns to its next waiter.
func (k *Kernel) releaseHeldLocked(t *tcb) {
	for len(t.held) > 0 {
		m := t.held[len(t.held)-1]
		k.log.Warn("releasing mutex held by deleted task", F("task", t.name), F("mutex", m.handle))
		k.releaseMutexLocked(m)
	}
}

func (k *Kernel) suspendLocked(t *tcb) {
	switch t.state {
	case StateSuspended, StateDeleted:
		return
	case StateBlocked:
		// the interrupted wait reports a timeout once resumed
		k.unlinkLocked(t, wakeTimeout)
	default:
		k.unlinkLocked(t, wakeNone)
	}
	t.state = StateSuspended
	k.emitLocked(taskEvent(StatusSuspend, t))
}

func (k *Kernel) resumeLocked(t *tcb) bool {
	if t.state != StateSuspended {
		return false
	}
	k.makeReadyLocked(t, StatusResume)
	return true
}

func (k *Kernel) setBasePrioLocked(t *tcb, prio int) error {
	if prio < 0 || prio >= k.cfg.MaxPriorities {
		return fmt.Errorf("%w: priority %d outside 0..%d", ErrInvalidArgument, prio, k.cfg.MaxPriorities-1)
	}
	t.basePrio = prio
	k.refreshPrioLocked(t)
	return nil
}

func (k *Kernel) taskLocked(h TaskHandle) (*tcb, error) {
	t, ok := k.tasks.get(h.Handle)
	if !ok {
		return nil, fmt.Errorf("%w: task %v", ErrInvalidHandle, h)
	}
	return t, nil
}

// CreateTask creates a task. It can be called before Run or while the
// scheduler is running; a higher priority task preempts at the next tick.
func (k *Kernel) CreateTask(spec TaskSpec) (TaskHandle, error) {
	if err := k.lockExternal(); err != nil {
		return TaskHandle{}, err
	}
	defer k.unlockExternal()

	t, err := k.createTaskLocked(spec)
	if err != nil {
		return TaskHandle{}, err
	}
	return t.handle, nil
}

// DeleteTask deletes a task that is not on the CPU.
func (k *Kernel) DeleteTask(h TaskHandle) error {
	if err := k.lockExternal(); err != nil {
		return err
	}
	t, err := k.taskLocked(h)
	if err != nil {
		k.unlockExternal()
		return err
	}
	done, err := k.deleteOtherLocked(t)
	k.unlockExternal()
	if err != nil {
		return err
	}
	<-done
	return nil
}

// SuspendTask suspends a task that is not on the CPU.
func (k *Kernel) SuspendTask(h TaskHandle) error {
	if err := k.lockExternal(); err != nil {
		return err
	}
	defer k.unlockExternal()

	t, err := k.taskLocked(h)
	if err != nil {
		return err
	}
	if t == k.onCPU {
		return fmt.Errorf("%w: task %q is running and must suspend itself", ErrInvalidArgument, t.name)
	}
	k.suspendLocked(t)
	return nil
}

// ResumeTask makes a suspended task ready. It reports false if the task was
// not suspended.
func (k *Kernel) ResumeTask(h TaskHandle) (bool, error) {
	if err := k.lockExternal(); err != nil {
		return false, err
	}
	defer k.unlockExternal()

	t, err := k.taskLocked(h)
	if err != nil {
		return false, err
	}
	return k.resumeLocked(t), nil
}

// SetPriority changes a task's base priority. An inherited priority above
// the new base is kept until the mutex is released.
func (k *Kernel) SetPriority(h TaskHandle, prio int) error {
	if err := k.lockExternal(); err != nil {
		return err
	}
	defer k.unlockExternal()

	t, err := k.taskLocked(h)
	if err != nil {
		return err
	}
	return k.setBasePrioLocked(t, prio)
}

// TaskInfo returns a snapshot of one task.
func (k *Kernel) TaskInfo(h TaskHandle) (TaskInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	t, err := k.taskLocked(h)
	if err != nil {
		return TaskInfo{}, err
	}
	return t.info(), nil
}

// Tasks returns a snapshot of every live task.
func (k *Kernel) Tasks() []TaskInfo {
	k.mu.Lock()
	defer k.mu.Unlock()

	out := make([]TaskInfo, 0, k.tasks.len())
	k.tasks.each(func(_ Handle, t *tcb) {
		out = append(out, t.info())
	})
	return out
}
