package sched

import "fmt"

const semBytes = 80

type semObj struct {
	objHeader
	count   int
	max     int
	waiters *waitList
	set     *queueSetObj
}

func (s *semObj) pending() int           { return s.count }
func (s *semObj) capacity() int          { return s.max }
func (s *semObj) setSlot() **queueSetObj { return &s.set }

// Semaphore is a binary or counting semaphore.
type Semaphore struct {
	k *Kernel
	h Handle
}

// NewBinarySemaphore creates an empty semaphore with a maximum count of 1.
func (k *Kernel) NewBinarySemaphore() (Semaphore, error) {
	return k.NewCountingSemaphore(1, 0)
}

// NewCountingSemaphore creates a semaphore whose count stays in [0, max].
func (k *Kernel) NewCountingSemaphore(max, initial int) (Semaphore, error) {
	if max < 1 || initial < 0 || initial > max {
		return Semaphore{}, fmt.Errorf("%w: semaphore max %d initial %d", ErrInvalidArgument, max, initial)
	}
	if err := k.lockExternal(); err != nil {
		return Semaphore{}, err
	}
	defer k.unlockExternal()

	s := &semObj{count: initial, max: max, waiters: newWaitList()}
	h, err := k.newObjectLocked(s, semBytes)
	if err != nil {
		return Semaphore{}, err
	}
	return Semaphore{k: k, h: h}, nil
}

// Handle returns the semaphore's object handle.
func (s Semaphore) Handle() Handle { return s.h }

func (s Semaphore) setMemberHandle() Handle { return s.h }

// Take decrements the count, blocking up to timeout ticks while it is zero.
func (s Semaphore) Take(tc *TaskContext, timeout Tick) error {
	k, err := tc.lock()
	if err != nil {
		return err
	}
	defer tc.unlock()

	so, err := lookup[*semObj](k, s.h)
	if err != nil {
		return err
	}
	if so.count > 0 {
		so.count--
		return nil
	}
	if timeout == NoWait {
		return ErrTimeout
	}

	switch k.blockLocked(tc.t, so.waiters, timeout) {
	case wakeSignaled:
		return nil
	case wakeDeleted:
		return ErrInvalidHandle
	default:
		return ErrTimeout
	}
}

// Give increments the count or hands it straight to the highest priority
// waiter.
func (s Semaphore) Give(tc *TaskContext) error {
	k, err := tc.lock()
	if err != nil {
		return err
	}
	defer tc.unlock()

	so, err := lookup[*semObj](k, s.h)
	if err != nil {
		return err
	}
	return k.giveLocked(so)
}

// GiveFromISR is Give for interrupt handlers.
func (s Semaphore) GiveFromISR(isr *ISR) (woken bool, err error) {
	k, err := isr.enter()
	if err != nil {
		return false, err
	}
	defer isr.exit(&woken)

	so, err := lookup[*semObj](k, s.h)
	if err != nil {
		return false, err
	}
	return false, k.giveLocked(so)
}

// TakeFromISR decrements the count without blocking.
func (s Semaphore) TakeFromISR(isr *ISR) (woken bool, err error) {
	k, err := isr.enter()
	if err != nil {
		return false, err
	}
	defer isr.exit(&woken)

	so, err := lookup[*semObj](k, s.h)
	if err != nil {
		return false, err
	}
	if so.count == 0 {
		return false, ErrTimeout
	}
	so.count--
	return false, nil
}

func (k *Kernel) giveLocked(so *semObj) error {
	if w := so.waiters.first(); w != nil {
		k.wakeLocked(w, wakeSignaled, StatusWake)
		return nil
	}
	if so.count >= so.max {
		return ErrCapacityExceeded
	}
	so.count++
	k.notifySetLocked(so.set)
	return nil
}

// Count returns the current count.
func (s Semaphore) Count() int {
	k := s.k
	k.mu.Lock()
	defer k.mu.Unlock()

	so, err := lookup[*semObj](k, s.h)
	if err != nil {
		return 0
	}
	return so.count
}

// Delete frees the semaphore. Waiters fail with ErrInvalidHandle.
func (s Semaphore) Delete() error {
	k := s.k
	if err := k.lockExternal(); err != nil {
		return err
	}
	defer k.unlockExternal()

	so, err := lookup[*semObj](k, s.h)
	if err != nil {
		return err
	}
	k.leaveSetLocked(so)
	k.wakeAllLocked(so.waiters, wakeDeleted)
	k.freeObjectLocked(so)
	return nil
}
