package sched

import "fmt"

// NotifyAction says how a notification updates the target's value.
type NotifyAction int

const (
	NotifyNoAction NotifyAction = iota
	NotifySetBits
	NotifyIncrement
	NotifySetValueWithOverwrite
	NotifySetValueWithoutOverwrite
)

func (a NotifyAction) String() string {
	switch a {
	case NotifyNoAction:
		return "NoAction"
	case NotifySetBits:
		return "SetBits"
	case NotifyIncrement:
		return "Increment"
	case NotifySetValueWithOverwrite:
		return "SetValueWithOverwrite"
	case NotifySetValueWithoutOverwrite:
		return "SetValueWithoutOverwrite"
	default:
		return "Unknown"
	}
}

// notifyLocked updates t's notification value and wakes t if it waits for
// one. SetValueWithoutOverwrite fails while a notification is pending.
func (k *Kernel) notifyLocked(t *tcb, value uint32, action NotifyAction) error {
	prev := t.notifyState
	switch action {
	case NotifyNoAction:
	case NotifySetBits:
		t.notifyValue |= value
	case NotifyIncrement:
		t.notifyValue++
	case NotifySetValueWithOverwrite:
		t.notifyValue = value
	case NotifySetValueWithoutOverwrite:
		if prev == notifyPending {
			return fmt.Errorf("%w: task %q has a notification pending", ErrCapacityExceeded, t.name)
		}
		t.notifyValue = value
	default:
		return fmt.Errorf("%w: notify action %d", ErrInvalidArgument, action)
	}

	t.notifyState = notifyPending
	if prev == notifyWaiting && t.state == StateBlocked {
		k.wakeLocked(t, wakeSignaled, StatusWake)
	}
	return nil
}

// Notify sends a notification to the target task.
func (tc *TaskContext) Notify(target TaskHandle, value uint32, action NotifyAction) error {
	k, err := tc.lock()
	if err != nil {
		return err
	}
	defer tc.unlock()

	t, err := k.taskLocked(target)
	if err != nil {
		return err
	}
	return k.notifyLocked(t, value, action)
}

// NotifyGive increments the target's notification value, using it as a
// light counting semaphore.
func (tc *TaskContext) NotifyGive(target TaskHandle) error {
	return tc.Notify(target, 0, NotifyIncrement)
}

// NotifyTake waits for a non-zero notification value, then clears it or
// decrements it. It returns the value before that.
func (tc *TaskContext) NotifyTake(clearOnExit bool, timeout Tick) (uint32, error) {
	k, err := tc.lock()
	if err != nil {
		return 0, err
	}
	defer tc.unlock()

	t := tc.t
	if t.notifyValue == 0 {
		if timeout == NoWait {
			return 0, ErrTimeout
		}
		t.notifyState = notifyWaiting
		k.blockLocked(t, nil, timeout)
	}

	v := t.notifyValue
	t.notifyState = notifyIdle
	if v == 0 {
		return 0, ErrTimeout
	}
	if clearOnExit {
		t.notifyValue = 0
	} else {
		t.notifyValue--
	}
	return v, nil
}

// NotifyWait waits for a notification. Bits in clearOnEntry are cleared
// before waiting when none is pending, and bits in clearOnExit after one
// is received. It returns the value as received.
func (tc *TaskContext) NotifyWait(clearOnEntry, clearOnExit uint32, timeout Tick) (uint32, error) {
	k, err := tc.lock()
	if err != nil {
		return 0, err
	}
	defer tc.unlock()

	t := tc.t
	if t.notifyState != notifyPending {
		t.notifyValue &^= clearOnEntry
		if timeout == NoWait {
			return t.notifyValue, ErrTimeout
		}
		t.notifyState = notifyWaiting
		k.blockLocked(t, nil, timeout)
	}

	v := t.notifyValue
	if t.notifyState != notifyPending {
		return v, ErrTimeout
	}
	t.notifyValue &^= clearOnExit
	t.notifyState = notifyIdle
	return v, nil
}

// Notify is the interrupt-context form of TaskContext.Notify.
func (isr *ISR) Notify(target TaskHandle, value uint32, action NotifyAction) (woken bool, err error) {
	k, err := isr.enter()
	if err != nil {
		return false, err
	}
	defer isr.exit(&woken)

	t, err := k.taskLocked(target)
	if err != nil {
		return false, err
	}
	return false, k.notifyLocked(t, value, action)
}

// NotifyGive increments the target's notification value.
func (isr *ISR) NotifyGive(target TaskHandle) (bool, error) {
	return isr.Notify(target, 0, NotifyIncrement)
}

// NotifyStateClear drops a pending notification without touching the
// value. It reports whether one was pending.
func (k *Kernel) NotifyStateClear(h TaskHandle) (bool, error) {
	if err := k.lockExternal(); err != nil {
		return false, err
	}
	defer k.unlockExternal()

	t, err := k.taskLocked(h)
	if err != nil {
		return false, err
	}
	if t.notifyState != notifyPending {
		return false, nil
	}
	t.notifyState = notifyIdle
	return true, nil
}

// NotifyValueClear clears bits of a task's notification value and returns
// the value before clearing.
func (k *Kernel) NotifyValueClear(h TaskHandle, bits uint32) (uint32, error) {
	if err := k.lockExternal(); err != nil {
		return 0, err
	}
	defer k.unlockExternal()

	t, err := k.taskLocked(h)
	if err != nil {
		return 0, err
	}
	prev := t.notifyValue
	t.notifyValue &^= bits
	return prev, nil
}
