package sched

import "fmt"

// EventBits is an event group value. Only the low 24 bits are usable.
type EventBits uint32

// EventBitsMask covers the usable bits.
const EventBitsMask EventBits = 0x00FFFFFF

const eventGroupBytes = 48

type eventGroupObj struct {
	objHeader
	bits    EventBits
	waiters *waitList
}

// EventGroup is a set of flags tasks can wait on, any or all at once.
type EventGroup struct {
	k *Kernel
	h Handle
}

// NewEventGroup creates an event group with every bit clear.
func (k *Kernel) NewEventGroup() (EventGroup, error) {
	if err := k.lockExternal(); err != nil {
		return EventGroup{}, err
	}
	defer k.unlockExternal()

	g := &eventGroupObj{waiters: newWaitList()}
	h, err := k.newObjectLocked(g, eventGroupBytes)
	if err != nil {
		return EventGroup{}, err
	}
	return EventGroup{k: k, h: h}, nil
}

// Handle returns the group's object handle.
func (e EventGroup) Handle() Handle { return e.h }

func bitsSatisfied(bits, mask EventBits, all bool) bool {
	if all {
		return bits&mask == mask
	}
	return bits&mask != 0
}

func checkBits(mask EventBits) error {
	if mask == 0 || mask&^EventBitsMask != 0 {
		return fmt.Errorf("%w: event bits %#x", ErrInvalidArgument, uint32(mask))
	}
	return nil
}

// setBitsLocked sets bits and wakes every waiter they satisfy. Clear-on-exit
// masks are applied once all waiters have been checked.
func (k *Kernel) setBitsLocked(g *eventGroupObj, set EventBits) EventBits {
	g.bits |= set & EventBitsMask
	var toClear EventBits
	for _, w := range g.waiters.snapshot() {
		if !bitsSatisfied(g.bits, w.bitsMask, w.waitAll) {
			continue
		}
		w.bitsResult = g.bits
		if w.clearOnExit {
			toClear |= w.bitsMask
		}
		k.wakeLocked(w, wakeSignaled, StatusWake)
	}
	g.bits &^= toClear
	return g.bits
}

// SetBits sets bits and returns the value after satisfied waiters cleared
// theirs.
func (e EventGroup) SetBits(tc *TaskContext, bits EventBits) (EventBits, error) {
	k, err := tc.lock()
	if err != nil {
		return 0, err
	}
	defer tc.unlock()

	g, err := lookup[*eventGroupObj](k, e.h)
	if err != nil {
		return 0, err
	}
	return k.setBitsLocked(g, bits), nil
}

// SetBitsFromISR defers the set to the timer service task, so the walk over
// waiters happens in task context. Without a timer service the bits are set
// at once.
func (e EventGroup) SetBitsFromISR(isr *ISR, bits EventBits) (woken bool, err error) {
	k, err := isr.enter()
	if err != nil {
		return false, err
	}
	defer isr.exit(&woken)

	g, err := lookup[*eventGroupObj](k, e.h)
	if err != nil {
		return false, err
	}
	if k.timers == nil {
		k.setBitsLocked(g, bits)
		return false, nil
	}
	cmd := timerCmd{op: cmdPend, fn: func(tc *TaskContext) {
		_, _ = e.SetBits(tc, bits)
	}}
	if !k.timers.postLocked(cmd) {
		return false, ErrCapacityExceeded
	}
	return false, nil
}

// ClearBits clears bits and returns the value before clearing.
func (e EventGroup) ClearBits(bits EventBits) (EventBits, error) {
	k := e.k
	if err := k.lockExternal(); err != nil {
		return 0, err
	}
	defer k.unlockExternal()

	g, err := lookup[*eventGroupObj](k, e.h)
	if err != nil {
		return 0, err
	}
	prev := g.bits
	g.bits &^= bits
	return prev, nil
}

// ClearBitsFromISR is ClearBits for interrupt handlers.
func (e EventGroup) ClearBitsFromISR(isr *ISR, bits EventBits) (EventBits, error) {
	k, err := isr.enter()
	if err != nil {
		return 0, err
	}
	var woken bool
	defer isr.exit(&woken)

	g, err := lookup[*eventGroupObj](k, e.h)
	if err != nil {
		return 0, err
	}
	prev := g.bits
	g.bits &^= bits
	return prev, nil
}

// Bits returns the current value.
func (e EventGroup) Bits() EventBits {
	k := e.k
	k.mu.Lock()
	defer k.mu.Unlock()

	g, err := lookup[*eventGroupObj](k, e.h)
	if err != nil {
		return 0
	}
	return g.bits
}

// WaitBits blocks until any (or, with waitAll, every) bit of mask is set.
// It returns the value that satisfied the wait; on timeout it returns the
// current value with ErrTimeout.
func (e EventGroup) WaitBits(tc *TaskContext, mask EventBits, waitAll, clearOnExit bool, timeout Tick) (EventBits, error) {
	if err := checkBits(mask); err != nil {
		return 0, err
	}
	k, err := tc.lock()
	if err != nil {
		return 0, err
	}
	defer tc.unlock()

	g, err := lookup[*eventGroupObj](k, e.h)
	if err != nil {
		return 0, err
	}
	if bitsSatisfied(g.bits, mask, waitAll) {
		v := g.bits
		if clearOnExit {
			g.bits &^= mask
		}
		return v, nil
	}
	if timeout == NoWait {
		return g.bits, ErrTimeout
	}
	return k.waitBitsLocked(tc.t, g, mask, waitAll, clearOnExit, timeout)
}

// Sync sets bits, then waits for every bit of waitFor; the rendezvous
// clears waitFor for all participants.
func (e EventGroup) Sync(tc *TaskContext, set, waitFor EventBits, timeout Tick) (EventBits, error) {
	if err := checkBits(waitFor); err != nil {
		return 0, err
	}
	k, err := tc.lock()
	if err != nil {
		return 0, err
	}
	defer tc.unlock()

	g, err := lookup[*eventGroupObj](k, e.h)
	if err != nil {
		return 0, err
	}
	orig := g.bits
	k.setBitsLocked(g, set)
	if (orig|set)&waitFor == waitFor {
		v := orig | set
		g.bits &^= waitFor
		return v, nil
	}
	if timeout == NoWait {
		return g.bits, ErrTimeout
	}
	return k.waitBitsLocked(tc.t, g, waitFor, true, true, timeout)
}

func (k *Kernel) waitBitsLocked(t *tcb, g *eventGroupObj, mask EventBits, all, clearOnExit bool, timeout Tick) (EventBits, error) {
	t.bitsMask = mask
	t.waitAll = all
	t.clearOnExit = clearOnExit
	reason := k.blockLocked(t, g.waiters, timeout)
	t.bitsMask, t.waitAll, t.clearOnExit = 0, false, false

	switch reason {
	case wakeSignaled:
		return t.bitsResult, nil
	case wakeDeleted:
		return 0, ErrInvalidHandle
	default:
		return g.bits, ErrTimeout
	}
}

// Delete frees the group. Waiters fail with ErrInvalidHandle.
func (e EventGroup) Delete() error {
	k := e.k
	if err := k.lockExternal(); err != nil {
		return err
	}
	defer k.unlockExternal()

	g, err := lookup[*eventGroupObj](k, e.h)
	if err != nil {
		return err
	}
	k.wakeAllLocked(g.waiters, wakeDeleted)
	k.freeObjectLocked(g)
	return nil
}
