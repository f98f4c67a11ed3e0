package sched

import "fmt"

// InterruptHandler is the body of a simulated interrupt.
type InterruptHandler func(isr *ISR)

// ISR is the interrupt-context capability. It only offers calls that never
// block, and it is valid only for the duration of one handler invocation.
type ISR struct {
	k     *Kernel
	yield bool
	done  bool
}

type tickSource struct {
	every   Tick
	handler InterruptHandler
}

// YieldFromISR requests a context switch at interrupt exit when woken is
// true. Without it, a woken higher priority task runs at the next tick.
func (isr *ISR) YieldFromISR(woken bool) {
	if woken {
		isr.yield = true
	}
}

// TickCount returns the current tick.
func (isr *ISR) TickCount() Tick {
	isr.k.mu.Lock()
	defer isr.k.mu.Unlock()
	return isr.k.tick
}

func (isr *ISR) enter() (*Kernel, error) {
	k := isr.k
	k.mu.Lock()
	if isr.done {
		k.mu.Unlock()
		return nil, fmt.Errorf("%w: interrupt context already ended", ErrInvalidArgument)
	}
	k.commitLocked()
	return k, nil
}

// exit commits the handler's wake-ups and reports through woken whether one
// of them outranks the interrupted task.
func (isr *ISR) exit(woken *bool) {
	k := isr.k
	cur := k.currentPrioLocked()
	for i := 0; i < k.events.Len(); i++ {
		if ev := k.events.At(i); ev.kind == evReady && ev.task.prio > cur {
			*woken = true
		}
	}
	k.commitLocked()
	k.mu.Unlock()
}

// ResumeTaskFromISR makes a suspended task ready.
func (isr *ISR) ResumeTaskFromISR(h TaskHandle) (woken bool, err error) {
	k, err := isr.enter()
	if err != nil {
		return false, err
	}
	defer isr.exit(&woken)

	t, err := k.taskLocked(h)
	if err != nil {
		return false, err
	}
	k.resumeLocked(t)
	return false, nil
}

// RaiseInterrupt queues h for delivery on the scheduler goroutine, before
// the next task slice or tick.
func (k *Kernel) RaiseInterrupt(h InterruptHandler) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.irqPending.PushBack(h)
}

// AttachInterrupt raises h every `every` ticks.
func (k *Kernel) AttachInterrupt(every Tick, h InterruptHandler) error {
	if every == 0 || h == nil {
		return fmt.Errorf("%w: interrupt needs a handler and a non-zero period", ErrInvalidArgument)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.irqSources = append(k.irqSources, tickSource{every: every, handler: h})
	return nil
}

// serviceInterrupts runs queued handlers and reports whether one of them
// asked for a switch away from the interrupted task.
func (k *Kernel) serviceInterrupts() bool {
	switchNeeded := false
	for {
		k.mu.Lock()
		if k.irqPending.Len() == 0 {
			k.mu.Unlock()
			return switchNeeded
		}
		h := k.irqPending.PopFront()
		k.commitLocked()
		k.inISR = true
		k.mu.Unlock()

		isr := &ISR{k: k}
		h(isr)

		k.mu.Lock()
		isr.done = true
		k.inISR = false
		k.commitLocked()
		if isr.yield && k.ready.highest() > k.currentPrioLocked() {
			switchNeeded = true
		}
		k.emitLocked(StatusEvent{Kind: StatusInterrupt})
		k.mu.Unlock()
	}
}
