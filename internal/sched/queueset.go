package sched

import "fmt"

const queueSetBytes = 64

// SetMember is a queue or semaphore that can join a QueueSet.
type SetMember interface {
	setMemberHandle() Handle
}

type setMemberObj interface {
	object
	pending() int
	capacity() int
	setSlot() **queueSetObj
}

type queueSetObj struct {
	objHeader
	capacity int
	used     int
	members  []setMemberObj
	waiters  *waitList
}

// QueueSet lets a task block on several queues and semaphores at once.
type QueueSet struct {
	k *Kernel
	h Handle
}

// NewQueueSet creates a set whose members' capacities may add up to
// capacity.
func (k *Kernel) NewQueueSet(capacity int) (QueueSet, error) {
	if capacity <= 0 {
		return QueueSet{}, fmt.Errorf("%w: queue set capacity %d", ErrInvalidArgument, capacity)
	}
	if err := k.lockExternal(); err != nil {
		return QueueSet{}, err
	}
	defer k.unlockExternal()

	s := &queueSetObj{capacity: capacity, waiters: newWaitList()}
	h, err := k.newObjectLocked(s, queueSetBytes+capacity*8)
	if err != nil {
		return QueueSet{}, err
	}
	return QueueSet{k: k, h: h}, nil
}

// Handle returns the set's object handle.
func (s QueueSet) Handle() Handle { return s.h }

func (k *Kernel) memberLocked(m SetMember) (setMemberObj, error) {
	o, ok := k.objects.get(m.setMemberHandle())
	if !ok {
		return nil, ErrInvalidHandle
	}
	mo, ok := o.(setMemberObj)
	if !ok {
		return nil, ErrInvalidHandle
	}
	return mo, nil
}

// Add registers an empty member. A member belongs to at most one set.
func (s QueueSet) Add(m SetMember) error {
	k := s.k
	if err := k.lockExternal(); err != nil {
		return err
	}
	defer k.unlockExternal()

	so, err := lookup[*queueSetObj](k, s.h)
	if err != nil {
		return err
	}
	mo, err := k.memberLocked(m)
	if err != nil {
		return err
	}
	slot := mo.setSlot()
	switch {
	case *slot != nil:
		return fmt.Errorf("%w: %v already belongs to a queue set", ErrInvalidArgument, mo.header().handle)
	case mo.pending() > 0:
		return fmt.Errorf("%w: %v must be empty when added", ErrInvalidArgument, mo.header().handle)
	case so.used+mo.capacity() > so.capacity:
		return fmt.Errorf("%w: set capacity %d, in use %d, member needs %d", ErrCapacityExceeded, so.capacity, so.used, mo.capacity())
	}
	*slot = so
	so.members = append(so.members, mo)
	so.used += mo.capacity()
	return nil
}

// Remove unregisters an empty member.
func (s QueueSet) Remove(m SetMember) error {
	k := s.k
	if err := k.lockExternal(); err != nil {
		return err
	}
	defer k.unlockExternal()

	so, err := lookup[*queueSetObj](k, s.h)
	if err != nil {
		return err
	}
	mo, err := k.memberLocked(m)
	if err != nil {
		return err
	}
	switch {
	case *mo.setSlot() != so:
		return fmt.Errorf("%w: %v is not a member of this set", ErrInvalidArgument, mo.header().handle)
	case mo.pending() > 0:
		return fmt.Errorf("%w: %v must be empty when removed", ErrInvalidArgument, mo.header().handle)
	}
	so.detachLocked(mo)
	return nil
}

func (so *queueSetObj) detachLocked(mo setMemberObj) {
	for i, m := range so.members {
		if m == mo {
			so.members = append(so.members[:i], so.members[i+1:]...)
			break
		}
	}
	so.used -= mo.capacity()
	*mo.setSlot() = nil
}

// leaveSetLocked drops a member that is being deleted.
func (k *Kernel) leaveSetLocked(mo setMemberObj) {
	if so := *mo.setSlot(); so != nil {
		so.detachLocked(mo)
	}
}

// notifySetLocked wakes the highest priority task selecting on set.
func (k *Kernel) notifySetLocked(set *queueSetObj) {
	if set == nil {
		return
	}
	if w := set.waiters.first(); w != nil {
		k.wakeLocked(w, wakeSignaled, StatusWake)
	}
}

// readyMember returns the first member, in registration order, with data
// pending.
func (so *queueSetObj) readyMember() (Handle, bool) {
	for _, m := range so.members {
		if m.pending() > 0 {
			return m.header().handle, true
		}
	}
	return Handle{}, false
}

// Select blocks until a member has data and returns its handle. The caller
// then reads the member with NoWait.
func (s QueueSet) Select(tc *TaskContext, timeout Tick) (Handle, error) {
	k, err := tc.lock()
	if err != nil {
		return Handle{}, err
	}
	defer tc.unlock()

	so, err := lookup[*queueSetObj](k, s.h)
	if err != nil {
		return Handle{}, err
	}
	deadline := k.deadlineLocked(timeout)
	for {
		if h, ok := so.readyMember(); ok {
			return h, nil
		}
		wait := k.remainingLocked(deadline)
		if wait == NoWait {
			return Handle{}, ErrTimeout
		}
		switch k.blockLocked(tc.t, so.waiters, wait) {
		case wakeTimeout:
			if h, ok := so.readyMember(); ok {
				return h, nil
			}
			return Handle{}, ErrTimeout
		case wakeDeleted:
			return Handle{}, ErrInvalidHandle
		}
	}
}

// SelectFromISR returns a member with data pending, without blocking.
func (s QueueSet) SelectFromISR(isr *ISR) (Handle, error) {
	k, err := isr.enter()
	if err != nil {
		return Handle{}, err
	}
	var woken bool
	defer isr.exit(&woken)

	so, err := lookup[*queueSetObj](k, s.h)
	if err != nil {
		return Handle{}, err
	}
	if h, ok := so.readyMember(); ok {
		return h, nil
	}
	return Handle{}, ErrTimeout
}

// Delete frees the set and releases its members.
func (s QueueSet) Delete() error {
	k := s.k
	if err := k.lockExternal(); err != nil {
		return err
	}
	defer k.unlockExternal()

	so, err := lookup[*queueSetObj](k, s.h)
	if err != nil {
		return err
	}
	for _, m := range so.members {
		*m.setSlot() = nil
	}
	so.members = nil
	k.wakeAllLocked(so.waiters, wakeDeleted)
	k.freeObjectLocked(so)
	return nil
}
