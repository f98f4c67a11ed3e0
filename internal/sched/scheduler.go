// internal/sched/scheduler.go

package sched

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/gammazero/deque"
)

// Kernel is one independent scheduler instance: ready lists, delayed list,
// task and object arenas, and the tick. Exactly one goroutine (a task or the
// scheduler loop) holds the simulated CPU at a time.
type Kernel struct {
	mu       sync.Mutex // the critical section; guards everything below
	cfg      Config
	log      Logger
	sinks    []EventSink
	idleHook func()
	tickHook InterruptHandler

	tick  Tick
	seq   uint64
	clock *TickClock

	tasks       *arena[*tcb]
	objects     *arena[object]
	heap        heapMeter
	ready       *readyLists
	delayed     *redblacktree.Tree // delayKey -> *tcb
	terminating []*tcb
	events      deque.Deque[kevent]

	current *tcb // selected task, state Running
	onCPU   *tcb // task whose goroutine currently holds the CPU
	yieldCh chan yieldReq

	inISR      bool
	irqPending deque.Deque[InterruptHandler]
	irqSources []tickSource

	running bool
	closed  bool

	timers *timerService
}

type yieldKind int

const (
	yieldPreempt yieldKind = iota
	yieldVoluntary
	yieldTick
	yieldBlock
	yieldExit
)

type yieldReq struct {
	task *tcb
	kind yieldKind
}

type keventKind int

const (
	evReady keventKind = iota
)

// kevent is a state change requested by a primitive and applied by the
// scheduler in commitLocked.
type kevent struct {
	kind   keventKind
	task   *tcb
	status StatusKind
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the kernel logger.
func WithLogger(l Logger) Option {
	return func(k *Kernel) { k.log = l }
}

// WithEventSink registers a status event consumer.
func WithEventSink(s EventSink) Option {
	return func(k *Kernel) { k.sinks = append(k.sinks, s) }
}

// WithIdleHook runs fn on every idle tick. fn must not block.
func WithIdleHook(fn func()) Option {
	return func(k *Kernel) { k.idleHook = fn }
}

// WithTickHook runs h in interrupt context after every tick.
func WithTickHook(h InterruptHandler) Option {
	return func(k *Kernel) { k.tickHook = h }
}

// New creates a kernel. The timer service task is created here when
// cfg.UseTimers is set, so timers can be armed before Run.
func New(cfg Config, opts ...Option) (*Kernel, error) {
	cfg = cfg.normalized()
	k := &Kernel{
		cfg:     cfg,
		log:     NewDefaultLogger(false),
		tasks:   newArena[*tcb](cfg.MaxTasks),
		objects: newArena[object](cfg.MaxObjects),
		heap:    newHeapMeter(cfg.HeapBytes),
		ready:   newReadyLists(cfg.MaxPriorities),
		delayed: redblacktree.NewWith(delayCmp),
		yieldCh: make(chan yieldReq),
	}
	for _, opt := range opts {
		opt(k)
	}

	if cfg.UseTimers {
		ts, err := newTimerService(k)
		if err != nil {
			k.Close()
			return nil, fmt.Errorf("start timer service: %w", err)
		}
		k.timers = ts
	}
	return k, nil
}

// Config returns the normalized configuration.
func (k *Kernel) Config() Config { return k.cfg }

// Run schedules tasks until ctx is cancelled.
func (k *Kernel) Run(ctx context.Context) error {
	return k.run(ctx, 0, false)
}

// RunFor schedules tasks for the given number of ticks, or until ctx is
// cancelled. Tasks keep their state between calls.
func (k *Kernel) RunFor(ctx context.Context, ticks Tick) error {
	k.mu.Lock()
	until := k.tick + ticks
	k.mu.Unlock()
	return k.run(ctx, until, true)
}

func (k *Kernel) run(ctx context.Context, until Tick, bounded bool) error {
	k.mu.Lock()
	switch {
	case k.closed:
		k.mu.Unlock()
		return ErrClosed
	case k.running:
		k.mu.Unlock()
		return ErrSchedulerRunning
	}
	k.running = true
	if k.cfg.Realtime {
		k.clock = NewTickClock(256)
		k.clock.Start(k.cfg.TickDuration())
	}
	k.mu.Unlock()

	defer func() {
		k.mu.Lock()
		if k.clock != nil {
			k.log.Debug("realtime run finished", F("tick", k.tick), F("wall_ticks", k.clock.Count()))
			// stop the underlying clock to release its goroutine
			k.clock.Stop()
			k.clock = nil
		}
		k.running = false
		k.mu.Unlock()
	}()

	for {
		// 1) check shutdown
		if ctx.Err() != nil || k.limitReached(until, bounded) {
			return nil
		}

		// 2) interrupts raised while no task was on the CPU
		k.serviceInterrupts()

		// 3) pick the highest priority ready task, or idle for one tick
		k.mu.Lock()
		k.commitLocked()
		t := k.ready.pop()
		if t == nil {
			k.reclaimTerminatedLocked()
			k.emitLocked(StatusEvent{Kind: StatusIdle})
			hook := k.idleHook
			k.mu.Unlock()
			if hook != nil {
				hook()
			}
			k.advanceTick()
			continue
		}
		k.dispatchLocked(t)
		k.mu.Unlock()

		// 4) run it until it gives the CPU back
		k.runTask(ctx, t, until, bounded)
	}
}

func (k *Kernel) limitReached(until Tick, bounded bool) bool {
	if !bounded {
		return false
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tick >= until
}

func (k *Kernel) dispatchLocked(t *tcb) {
	if t.state != StateReady {
		k.fatalf("dispatch of task %q in state %v", t.name, t.state)
	}
	t.state = StateRunning
	t.sliceUsed = 0
	k.current = t
	k.onCPU = t
	k.emitLocked(taskEvent(StatusDispatch, t))
}

// runTask hands the CPU to t and handles whatever it yields with. A task
// burning CPU time yields once per tick; it keeps the CPU unless the tick or
// an interrupt asked for a switch.
func (k *Kernel) runTask(ctx context.Context, t *tcb, until Tick, bounded bool) {
	for {
		t.resume <- struct{}{}
		req := <-k.yieldCh

		if req.kind != yieldTick {
			k.mu.Lock()
			if (req.kind == yieldPreempt || req.kind == yieldVoluntary) && t.state == StateRunning {
				k.requeueLocked(t, false)
			}
			if k.current == t {
				k.current = nil
			}
			k.mu.Unlock()
			return
		}

		k.mu.Lock()
		t.runTicks++
		t.sliceUsed++
		k.mu.Unlock()

		switchNeeded := k.advanceTick()
		if k.serviceInterrupts() {
			switchNeeded = true
		}

		k.mu.Lock()
		k.commitLocked()
		if t.state != StateRunning {
			// suspended or deleted while it was interrupted
			k.mu.Unlock()
			return
		}
		stop := ctx.Err() != nil || (bounded && k.tick >= until)
		if !switchNeeded && !stop {
			k.onCPU = t
			k.mu.Unlock()
			continue
		}
		// stopping without a switch keeps its place at the head of its list
		k.requeueLocked(t, !switchNeeded)
		k.current = nil
		k.mu.Unlock()
		return
	}
}

func (k *Kernel) requeueLocked(t *tcb, front bool) {
	t.state = StateReady
	if front {
		k.ready.pushFront(t)
		return
	}
	k.ready.push(t)
	k.emitLocked(taskEvent(StatusPreempt, t))
}

// advanceTick moves time forward by one tick and reports whether the
// running task must give up the CPU.
func (k *Kernel) advanceTick() bool {
	if k.clock != nil {
		<-k.clock.Ch
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tickLocked()
}

func (k *Kernel) tickLocked() bool {
	k.tick++

	for {
		n := k.delayed.Left()
		if n == nil || n.Key.(delayKey).at > k.tick {
			break
		}
		k.wakeLocked(n.Value.(*tcb), wakeTimeout, StatusTimeout)
	}
	k.commitLocked()

	for _, src := range k.irqSources {
		if k.tick%src.every == 0 {
			k.irqPending.PushBack(src.handler)
		}
	}
	if k.tickHook != nil {
		k.irqPending.PushBack(k.tickHook)
	}
	k.emitLocked(StatusEvent{Kind: StatusTick})

	cur := k.current
	if cur == nil || cur.state != StateRunning {
		return false
	}
	if k.ready.highest() > cur.prio {
		return true
	}
	return cur.sliceUsed >= k.cfg.SliceTicks && k.ready.lenAt(cur.prio) > 0
}

func (k *Kernel) currentPrioLocked() int {
	if cur := k.current; cur != nil && cur.state == StateRunning {
		return cur.prio
	}
	return -1
}

func (k *Kernel) nextSeq() uint64 {
	k.seq++
	return k.seq
}

// deadlineLocked converts a relative timeout into an absolute tick.
func (k *Kernel) deadlineLocked(timeout Tick) Tick {
	if timeout == Forever || timeout > Forever-k.tick {
		return Forever
	}
	return k.tick + timeout
}

func (k *Kernel) remainingLocked(deadline Tick) Tick {
	switch {
	case deadline == Forever:
		return Forever
	case deadline <= k.tick:
		return NoWait
	default:
		return deadline - k.tick
	}
}

// yieldLocked gives the CPU back to the scheduler loop and waits until t is
// dispatched again. Called and returns with k.mu held. A task deleted while
// parked here exits its goroutine without retaking the lock, and its
// deferred unlocks turn into no-ops.
func (k *Kernel) yieldLocked(t *tcb, kind yieldKind) {
	k.onCPU = nil
	k.commitLocked()
	k.mu.Unlock()
	k.yieldCh <- yieldReq{task: t, kind: kind}
	select {
	case <-t.resume:
	case <-t.kill:
		t.unwound = true
		runtime.Goexit()
	}
	k.mu.Lock()
}

// blockLocked parks the running task on wl (nil for a plain delay) until it
// is woken or timeout ticks pass, and reports why it woke.
func (k *Kernel) blockLocked(t *tcb, wl *waitList, timeout Tick) wakeReason {
	t.state = StateBlocked
	t.wake = wakeNone
	if wl != nil {
		wl.add(t, k.nextSeq())
		if m := wl.mutex; m != nil && m.owner != nil {
			k.refreshPrioLocked(m.owner)
		}
	}
	if deadline := k.deadlineLocked(timeout); deadline != Forever {
		t.delayKey = delayKey{at: deadline, seq: k.nextSeq()}
		t.delayed = true
		k.delayed.Put(t.delayKey, t)
	}
	if k.current == t {
		k.current = nil
	}
	k.emitLocked(taskEvent(StatusBlock, t))
	k.yieldLocked(t, yieldBlock)
	return t.wake
}

// wakeLocked takes a blocked task off its wait and delayed lists and queues
// it for the ready lists.
func (k *Kernel) wakeLocked(t *tcb, reason wakeReason, status StatusKind) {
	if t.state != StateBlocked {
		k.fatalf("wake of task %q in state %v", t.name, t.state)
	}
	k.detachLocked(t, reason)
	k.makeReadyLocked(t, status)
}

func (k *Kernel) wakeAllLocked(wl *waitList, reason wakeReason) {
	for _, t := range wl.snapshot() {
		k.wakeLocked(t, reason, StatusWake)
	}
}

func (k *Kernel) detachLocked(t *tcb, reason wakeReason) {
	if wl := t.waitOn; wl != nil {
		if !wl.remove(t) {
			k.fatalf("task %q missing from its wait list", t.name)
		}
		if m := wl.mutex; m != nil && m.owner != nil && reason != wakeSignaled {
			k.refreshPrioLocked(m.owner)
		}
	}
	if t.delayed {
		k.delayed.Remove(t.delayKey)
		t.delayed = false
	}
	if t.notifyState == notifyWaiting {
		t.notifyState = notifyIdle
	}
	t.wake = reason
}

func (k *Kernel) makeReadyLocked(t *tcb, status StatusKind) {
	t.state = StateReady
	t.pendingReady = true
	k.events.PushBack(kevent{kind: evReady, task: t, status: status})
}

// commitLocked applies queued state changes to the ready lists.
func (k *Kernel) commitLocked() {
	for k.events.Len() > 0 {
		ev := k.events.PopFront()
		switch ev.kind {
		case evReady:
			t := ev.task
			if !t.pendingReady || t.state != StateReady {
				continue
			}
			t.pendingReady = false
			k.ready.push(t)
			k.emitLocked(taskEvent(ev.status, t))
		}
	}
}

// unlinkLocked takes t out of whichever scheduling list holds it.
func (k *Kernel) unlinkLocked(t *tcb, reason wakeReason) {
	switch t.state {
	case StateReady:
		if t.pendingReady {
			t.pendingReady = false
			return
		}
		if !k.ready.remove(t) {
			k.fatalf("ready task %q missing from ready list %d", t.name, t.prio)
		}
	case StateBlocked:
		k.detachLocked(t, reason)
	case StateRunning:
		if k.current == t {
			k.current = nil
		}
	}
}

// setPrioLocked changes t's effective priority and moves it in whatever
// ordered list it occupies.
func (k *Kernel) setPrioLocked(t *tcb, p int) {
	if t.prio == p {
		return
	}
	switch {
	case t.state == StateReady && !t.pendingReady:
		if !k.ready.remove(t) {
			k.fatalf("ready task %q missing from ready list %d", t.name, t.prio)
		}
		t.prio = p
		k.ready.push(t)
	case t.state == StateBlocked && t.waitOn != nil:
		t.prio = p
		t.waitOn.reposition(t)
	default:
		t.prio = p
	}
	k.emitLocked(taskEvent(StatusPriorityUpdate, t))
}

// inheritedPrioLocked is max(base, highest waiter over every held mutex).
func (k *Kernel) inheritedPrioLocked(t *tcb) int {
	p := t.basePrio
	for _, m := range t.held {
		if w := m.waiters.first(); w != nil && w.prio > p {
			p = w.prio
		}
	}
	return p
}

// refreshPrioLocked recomputes t's effective priority and follows the chain
// of mutex owners t is itself blocked on.
func (k *Kernel) refreshPrioLocked(t *tcb) {
	for hops := 0; t != nil && hops <= k.tasks.len(); hops++ {
		p := k.inheritedPrioLocked(t)
		if p == t.prio {
			return
		}
		k.setPrioLocked(t, p)
		if t.state != StateBlocked || t.waitOn == nil || t.waitOn.mutex == nil {
			return
		}
		t = t.waitOn.mutex.owner
	}
}

// Close deletes every task and releases their goroutines. It must not be
// called while Run is active.
func (k *Kernel) Close() {
	k.mu.Lock()
	if k.closed || k.running {
		k.mu.Unlock()
		return
	}
	k.closed = true

	var done []chan struct{}
	k.tasks.each(func(_ Handle, t *tcb) {
		t.killed = true
		t.state = StateDeleted
		close(t.kill)
		done = append(done, t.done)
	})
	k.mu.Unlock()

	for _, d := range done {
		<-d
	}
}

// TickCount returns the number of ticks since the kernel was created.
func (k *Kernel) TickCount() Tick {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tick
}

// MsToTicks converts milliseconds using the configured tick length.
func (k *Kernel) MsToTicks(ms int) Tick {
	return k.cfg.MsToTicks(ms)
}

// CurrentTask returns the task selected to run, if any.
func (k *Kernel) CurrentTask() (TaskHandle, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current == nil {
		return TaskHandle{}, false
	}
	return k.current.handle, true
}

// lockExternal enters the critical section on behalf of code that is not
// a task context: setup code, other goroutines, interrupt handlers.
func (k *Kernel) lockExternal() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return ErrClosed
	}
	k.commitLocked()
	return nil
}

// unlockExternal leaves the critical section. A higher priority task made
// ready here preempts the running one at the next tick.
func (k *Kernel) unlockExternal() {
	k.commitLocked()
	k.mu.Unlock()
}
