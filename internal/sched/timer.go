package sched

import (
	"fmt"

	"github.com/emirpasic/gods/trees/redblacktree"
)

// TimerTaskName is the name of the timer service task.
const TimerTaskName = "Tmr Svc"

const timerBytes = 64

// TimerCallback runs on the timer service task when a timer expires. It
// must not block for long: every other timer waits behind it.
type TimerCallback func(tc *TaskContext, tm Timer)

// TimerSpec describes a software timer.
type TimerSpec struct {
	Name       string
	Period     Tick
	AutoReload bool
	ID         any
	Callback   TimerCallback
}

type timerObj struct {
	objHeader
	name       string
	period     Tick
	autoReload bool
	id         any
	cb         TimerCallback
	active     bool
	key        delayKey
}

type timerOp int

const (
	cmdStart timerOp = iota
	cmdReset
	cmdStop
	cmdChangePeriod
	cmdDelete
	cmdPend
)

type timerCmd struct {
	op     timerOp
	timer  Handle
	issued Tick
	period Tick
	fn     func(tc *TaskContext)
}

// timerService owns the active timers. Only its task touches the deadline
// list; everyone else posts commands.
type timerService struct {
	k    *Kernel
	task *tcb
	cmds Queue[timerCmd]
	list *redblacktree.Tree // delayKey -> *timerObj
}

func newTimerService(k *Kernel) (*timerService, error) {
	q, err := NewQueue[timerCmd](k, k.cfg.TimerQueueLength)
	if err != nil {
		return nil, err
	}
	s := &timerService{k: k, cmds: q, list: redblacktree.NewWith(delayCmp)}

	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.createTaskLocked(TaskSpec{
		Name:       TimerTaskName,
		Entry:      s.run,
		StackDepth: k.cfg.TimerTaskStack,
		Priority:   k.cfg.TimerTaskPriority,
	})
	if err != nil {
		return nil, err
	}
	k.commitLocked()
	s.task = t
	return s, nil
}

func (s *timerService) run(tc *TaskContext) {
	for {
		wait := s.processExpired(tc)
		cmd, err := s.cmds.Receive(tc, wait)
		if err != nil {
			continue
		}
		s.apply(tc, cmd)
	}
}

// processExpired fires every due timer and returns the ticks until the next
// one.
func (s *timerService) processExpired(tc *TaskContext) Tick {
	k := s.k
	for {
		k.mu.Lock()
		n := s.list.Left()
		if n == nil {
			k.mu.Unlock()
			return Forever
		}
		key := n.Key.(delayKey)
		if key.at > k.tick {
			wait := key.at - k.tick
			k.mu.Unlock()
			return wait
		}

		tm := n.Value.(*timerObj)
		s.list.Remove(key)
		tm.active = false
		if tm.autoReload {
			s.armLocked(tm, k.tick+tm.period)
		}
		k.emitLocked(StatusEvent{Kind: StatusTimerFire, Task: tm.name})
		cb, h := tm.cb, Timer{k: k, h: tm.handle}
		k.mu.Unlock()

		s.invoke(func() { cb(tc, h) })
	}
}

func (s *timerService) apply(tc *TaskContext, cmd timerCmd) {
	if cmd.op == cmdPend {
		if cmd.fn != nil {
			s.invoke(func() { cmd.fn(tc) })
		}
		return
	}

	k := s.k
	k.mu.Lock()
	defer k.mu.Unlock()

	tm, err := lookup[*timerObj](k, cmd.timer)
	if err != nil {
		return
	}
	switch cmd.op {
	case cmdStart, cmdReset:
		s.armLocked(tm, cmd.issued+tm.period)
	case cmdStop:
		s.disarmLocked(tm)
	case cmdChangePeriod:
		tm.period = cmd.period
		s.armLocked(tm, cmd.issued+cmd.period)
	case cmdDelete:
		s.disarmLocked(tm)
		k.freeObjectLocked(tm)
	}
}

func (s *timerService) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if f, ok := r.(kernelFault); ok {
				panic(f)
			}
			s.k.log.Error("timer callback panicked", F("panic", r))
		}
	}()
	fn()
}

func (s *timerService) armLocked(tm *timerObj, at Tick) {
	if tm.active {
		s.list.Remove(tm.key)
	}
	tm.key = delayKey{at: at, seq: s.k.nextSeq()}
	s.list.Put(tm.key, tm)
	tm.active = true
}

func (s *timerService) disarmLocked(tm *timerObj) {
	if tm.active {
		s.list.Remove(tm.key)
		tm.active = false
	}
}

// postLocked queues a command without blocking.
func (s *timerService) postLocked(cmd timerCmd) bool {
	q, err := lookup[*queueObj[timerCmd]](s.k, s.cmds.h)
	if err != nil {
		return false
	}
	cmd.issued = s.k.tick
	return q.trySendLocked(s.k, cmd, sendBack)
}

// Timer is a software timer run by the timer service task.
type Timer struct {
	k *Kernel
	h Handle
}

// NewTimer creates a dormant timer. Start arms it.
func (k *Kernel) NewTimer(spec TimerSpec) (Timer, error) {
	if k.timers == nil {
		return Timer{}, fmt.Errorf("%w: timer service disabled", ErrInvalidArgument)
	}
	if spec.Period == 0 || spec.Period == Forever || spec.Callback == nil {
		return Timer{}, fmt.Errorf("%w: timer %q needs a finite period and a callback", ErrInvalidArgument, spec.Name)
	}
	if err := k.lockExternal(); err != nil {
		return Timer{}, err
	}
	defer k.unlockExternal()

	tm := &timerObj{
		name:       spec.Name,
		period:     spec.Period,
		autoReload: spec.AutoReload,
		id:         spec.ID,
		cb:         spec.Callback,
	}
	h, err := k.newObjectLocked(tm, timerBytes)
	if err != nil {
		return Timer{}, err
	}
	return Timer{k: k, h: h}, nil
}

// Handle returns the timer's object handle.
func (tm Timer) Handle() Handle { return tm.h }

// post sends cmd to the timer service. With a task context it may block up
// to wait ticks on a full command queue; with nil it never blocks.
func (tm Timer) post(tc *TaskContext, cmd timerCmd, wait Tick) error {
	k := tm.k
	if k.timers == nil {
		return fmt.Errorf("%w: timer service disabled", ErrInvalidArgument)
	}
	cmd.timer = tm.h

	if tc == nil {
		if err := k.lockExternal(); err != nil {
			return err
		}
		defer k.unlockExternal()
		if _, err := lookup[*timerObj](k, tm.h); err != nil {
			return err
		}
		if !k.timers.postLocked(cmd) {
			return ErrCapacityExceeded
		}
		return nil
	}

	k.mu.Lock()
	_, err := lookup[*timerObj](k, tm.h)
	cmd.issued = k.tick
	k.mu.Unlock()
	if err != nil {
		return err
	}
	return k.timers.cmds.Send(tc, cmd, wait)
}

func (tm Timer) postFromISR(isr *ISR, cmd timerCmd) (woken bool, err error) {
	k, err := isr.enter()
	if err != nil {
		return false, err
	}
	defer isr.exit(&woken)

	if k.timers == nil {
		return false, fmt.Errorf("%w: timer service disabled", ErrInvalidArgument)
	}
	if _, err := lookup[*timerObj](k, tm.h); err != nil {
		return false, err
	}
	cmd.timer = tm.h
	if !k.timers.postLocked(cmd) {
		return false, ErrCapacityExceeded
	}
	return false, nil
}

// Start arms the timer to expire one period after the command was issued.
func (tm Timer) Start(tc *TaskContext, wait Tick) error {
	return tm.post(tc, timerCmd{op: cmdStart}, wait)
}

// Reset re-arms the timer from now, starting it if dormant.
func (tm Timer) Reset(tc *TaskContext, wait Tick) error {
	return tm.post(tc, timerCmd{op: cmdReset}, wait)
}

// Stop disarms the timer.
func (tm Timer) Stop(tc *TaskContext, wait Tick) error {
	return tm.post(tc, timerCmd{op: cmdStop}, wait)
}

// ChangePeriod sets a new period and arms the timer with it.
func (tm Timer) ChangePeriod(tc *TaskContext, period Tick, wait Tick) error {
	if period == 0 || period == Forever {
		return fmt.Errorf("%w: timer period %d", ErrInvalidArgument, period)
	}
	return tm.post(tc, timerCmd{op: cmdChangePeriod, period: period}, wait)
}

// Delete disarms and frees the timer once the service processes the
// command.
func (tm Timer) Delete(tc *TaskContext, wait Tick) error {
	return tm.post(tc, timerCmd{op: cmdDelete}, wait)
}

// StartFromISR is Start for interrupt handlers.
func (tm Timer) StartFromISR(isr *ISR) (bool, error) {
	return tm.postFromISR(isr, timerCmd{op: cmdStart})
}

// ResetFromISR is Reset for interrupt handlers.
func (tm Timer) ResetFromISR(isr *ISR) (bool, error) {
	return tm.postFromISR(isr, timerCmd{op: cmdReset})
}

// StopFromISR is Stop for interrupt handlers.
func (tm Timer) StopFromISR(isr *ISR) (bool, error) {
	return tm.postFromISR(isr, timerCmd{op: cmdStop})
}

// ChangePeriodFromISR is ChangePeriod for interrupt handlers.
func (tm Timer) ChangePeriodFromISR(isr *ISR, period Tick) (bool, error) {
	if period == 0 || period == Forever {
		return false, fmt.Errorf("%w: timer period %d", ErrInvalidArgument, period)
	}
	return tm.postFromISR(isr, timerCmd{op: cmdChangePeriod, period: period})
}

func (tm Timer) query(fn func(*timerObj)) bool {
	k := tm.k
	k.mu.Lock()
	defer k.mu.Unlock()

	o, err := lookup[*timerObj](k, tm.h)
	if err != nil {
		return false
	}
	fn(o)
	return true
}

// IsActive reports whether the timer is armed.
func (tm Timer) IsActive() bool {
	var active bool
	tm.query(func(o *timerObj) { active = o.active })
	return active
}

// Period returns the timer period.
func (tm Timer) Period() Tick {
	var p Tick
	tm.query(func(o *timerObj) { p = o.period })
	return p
}

// ExpiryTime returns the tick the timer fires at, if armed.
func (tm Timer) ExpiryTime() (Tick, bool) {
	var at Tick
	var active bool
	tm.query(func(o *timerObj) { at, active = o.key.at, o.active })
	return at, active
}

// Name returns the timer name.
func (tm Timer) Name() string {
	var name string
	tm.query(func(o *timerObj) { name = o.name })
	return name
}

// ID returns the user value attached to the timer.
func (tm Timer) ID() any {
	var id any
	tm.query(func(o *timerObj) { id = o.id })
	return id
}

// SetID replaces the user value attached to the timer.
func (tm Timer) SetID(id any) {
	tm.query(func(o *timerObj) { o.id = id })
}

// PendFunctionCall runs fn on the timer service task. From a task it may
// block up to wait ticks on a full command queue.
func (k *Kernel) PendFunctionCall(tc *TaskContext, fn func(tc *TaskContext), wait Tick) error {
	if k.timers == nil {
		return fmt.Errorf("%w: timer service disabled", ErrInvalidArgument)
	}
	if fn == nil {
		return fmt.Errorf("%w: nil function", ErrInvalidArgument)
	}
	cmd := timerCmd{op: cmdPend, fn: fn}
	if tc == nil {
		if err := k.lockExternal(); err != nil {
			return err
		}
		defer k.unlockExternal()
		if !k.timers.postLocked(cmd) {
			return ErrCapacityExceeded
		}
		return nil
	}
	return k.timers.cmds.Send(tc, cmd, wait)
}

// PendFunctionCall runs fn on the timer service task after the handler
// returns.
func (isr *ISR) PendFunctionCall(fn func(tc *TaskContext)) (woken bool, err error) {
	k, err := isr.enter()
	if err != nil {
		return false, err
	}
	defer isr.exit(&woken)

	if k.timers == nil || fn == nil {
		return false, fmt.Errorf("%w: no timer service or nil function", ErrInvalidArgument)
	}
	if !k.timers.postLocked(timerCmd{op: cmdPend, fn: fn}) {
		return false, ErrCapacityExceeded
	}
	return false, nil
}

// TimerServiceTask returns the timer service task, if timers are enabled.
func (k *Kernel) TimerServiceTask() (TaskHandle, bool) {
	if k.timers == nil {
		return TaskHandle{}, false
	}
	return k.timers.task.handle, true
}
