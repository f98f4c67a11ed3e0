package sched

import "fmt"

const mutexBytes = 80

type mutexObj struct {
	objHeader
	recursive bool
	owner     *tcb
	depth     int
	waiters   *waitList
}

// Mutex is a mutual exclusion lock with priority inheritance. Mutexes have
// no interrupt-context variants: ownership belongs to a task.
type Mutex struct {
	k *Kernel
	h Handle
}

// NewMutex creates an unlocked mutex.
func (k *Kernel) NewMutex() (Mutex, error) { return k.newMutex(false) }

// NewRecursiveMutex creates a mutex its owner may lock repeatedly. It is
// released after as many unlocks as locks.
func (k *Kernel) NewRecursiveMutex() (Mutex, error) { return k.newMutex(true) }

func (k *Kernel) newMutex(recursive bool) (Mutex, error) {
	if err := k.lockExternal(); err != nil {
		return Mutex{}, err
	}
	defer k.unlockExternal()

	m := &mutexObj{recursive: recursive, waiters: newWaitList()}
	m.waiters.mutex = m
	h, err := k.newObjectLocked(m, mutexBytes)
	if err != nil {
		return Mutex{}, err
	}
	return Mutex{k: k, h: h}, nil
}

// Handle returns the mutex's object handle.
func (m Mutex) Handle() Handle { return m.h }

// Lock takes the mutex, blocking up to timeout ticks. While the caller
// waits, the owner runs at least at the caller's priority.
func (m Mutex) Lock(tc *TaskContext, timeout Tick) error {
	k, err := tc.lock()
	if err != nil {
		return err
	}
	defer tc.unlock()

	mo, err := lookup[*mutexObj](k, m.h)
	if err != nil {
		return err
	}

	t := tc.t
	switch {
	case mo.owner == nil:
		k.takeMutexLocked(mo, t)
		return nil
	case mo.owner == t && mo.recursive:
		mo.depth++
		return nil
	case mo.owner == t:
		return fmt.Errorf("%w: task %q already holds the mutex", ErrInvalidArgument, t.name)
	case timeout == NoWait:
		return ErrTimeout
	}

	switch k.blockLocked(t, mo.waiters, timeout) {
	case wakeSignaled:
		return nil
	case wakeDeleted:
		return ErrInvalidHandle
	default:
		return ErrTimeout
	}
}

// Unlock releases one level of the mutex. Only the owner may unlock.
func (m Mutex) Unlock(tc *TaskContext) error {
	k, err := tc.lock()
	if err != nil {
		return err
	}
	defer tc.unlock()

	mo, err := lookup[*mutexObj](k, m.h)
	if err != nil {
		return err
	}
	if mo.owner != tc.t {
		return ErrWrongOwner
	}
	if mo.depth > 1 {
		mo.depth--
		return nil
	}
	k.releaseMutexLocked(mo)
	return nil
}

// Holder returns the current owner.
func (m Mutex) Holder() (TaskHandle, bool) {
	k := m.k
	k.mu.Lock()
	defer k.mu.Unlock()

	mo, err := lookup[*mutexObj](k, m.h)
	if err != nil || mo.owner == nil {
		return TaskHandle{}, false
	}
	return mo.owner.handle, true
}

// Delete frees the mutex. Waiters fail with ErrInvalidHandle.
func (m Mutex) Delete() error {
	k := m.k
	if err := k.lockExternal(); err != nil {
		return err
	}
	defer k.unlockExternal()

	mo, err := lookup[*mutexObj](k, m.h)
	if err != nil {
		return err
	}
	owner := mo.owner
	if owner != nil {
		owner.held = removeHeld(owner.held, mo)
		mo.owner = nil
	}
	k.wakeAllLocked(mo.waiters, wakeDeleted)
	if owner != nil {
		k.refreshPrioLocked(owner)
	}
	k.freeObjectLocked(mo)
	return nil
}

func (k *Kernel) takeMutexLocked(mo *mutexObj, t *tcb) {
	mo.owner = t
	mo.depth = 1
	t.held = append(t.held, mo)
	k.refreshPrioLocked(t)
}

// releaseMutexLocked hands the mutex to its highest priority waiter and
// drops whatever priority the old owner inherited through it.
func (k *Kernel) releaseMutexLocked(mo *mutexObj) {
	owner := mo.owner
	owner.held = removeHeld(owner.held, mo)
	mo.owner = nil
	mo.depth = 0

	if w := mo.waiters.first(); w != nil {
		k.wakeLocked(w, wakeSignaled, StatusWake)
		k.takeMutexLocked(mo, w)
	}
	k.refreshPrioLocked(owner)
}

func removeHeld(held []*mutexObj, mo *mutexObj) []*mutexObj {
	for i, m := range held {
		if m == mo {
			return append(held[:i], held[i+1:]...)
		}
	}
	return held
}
