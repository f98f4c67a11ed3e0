package sched

import (
	"fmt"
	"unsafe"

	"github.com/gammazero/deque"
)

const queueOverhead = 80

type sendMode int

const (
	sendBack sendMode = iota
	sendFront
	sendOverwrite
)

type queueObj[T any] struct {
	objHeader
	length    int
	items     deque.Deque[T]
	senders   *waitList
	receivers *waitList
	set       *queueSetObj
}

func (q *queueObj[T]) pending() int           { return q.items.Len() }
func (q *queueObj[T]) capacity() int          { return q.length }
func (q *queueObj[T]) setSlot() **queueSetObj { return &q.set }

// Queue is a bounded FIFO of copied items.
type Queue[T any] struct {
	k *Kernel
	h Handle
}

// NewQueue creates a queue holding up to length items. Storage is charged
// to the kernel heap.
func NewQueue[T any](k *Kernel, length int) (Queue[T], error) {
	if length <= 0 {
		return Queue[T]{}, fmt.Errorf("%w: queue length %d", ErrInvalidArgument, length)
	}
	if err := k.lockExternal(); err != nil {
		return Queue[T]{}, err
	}
	defer k.unlockExternal()

	var zero T
	bytes := queueOverhead + length*int(unsafe.Sizeof(zero))
	q := &queueObj[T]{length: length, senders: newWaitList(), receivers: newWaitList()}
	h, err := k.newObjectLocked(q, bytes)
	if err != nil {
		return Queue[T]{}, err
	}
	return Queue[T]{k: k, h: h}, nil
}

// Handle returns the queue's object handle.
func (q Queue[T]) Handle() Handle { return q.h }

func (q Queue[T]) setMemberHandle() Handle { return q.h }

// trySendLocked stores v or hands it to a waiting receiver. Peeking
// receivers get a copy and the item stays in flight for the next one.
func (q *queueObj[T]) trySendLocked(k *Kernel, v T, mode sendMode) bool {
	if mode == sendOverwrite && q.items.Len() > 0 {
		q.items.Set(0, v)
		return true
	}
	if q.items.Len() >= q.length {
		return false
	}

	for _, w := range q.receivers.snapshot() {
		w.xfer = v
		k.wakeLocked(w, wakeSignaled, StatusWake)
		if !w.peeking {
			return true
		}
	}
	if mode == sendFront {
		q.items.PushFront(v)
	} else {
		q.items.PushBack(v)
	}
	k.notifySetLocked(q.set)
	return true
}

// tryReceiveLocked takes the head item and refills the freed slot from the
// highest priority blocked sender.
func (q *queueObj[T]) tryReceiveLocked(k *Kernel, peek bool) (T, bool) {
	var zero T
	if q.items.Len() == 0 {
		return zero, false
	}
	if peek {
		return q.items.Front(), true
	}

	v := q.items.PopFront()
	if w := q.senders.first(); w != nil {
		q.acceptSenderLocked(k, w)
	}
	return v, true
}

func (q *queueObj[T]) acceptSenderLocked(k *Kernel, w *tcb) {
	item := w.xfer.(T)
	if w.xferFront {
		q.items.PushFront(item)
	} else {
		q.items.PushBack(item)
	}
	w.xfer = nil
	k.wakeLocked(w, wakeSignaled, StatusWake)
}

func (q Queue[T]) send(tc *TaskContext, v T, mode sendMode, timeout Tick) error {
	k, err := tc.lock()
	if err != nil {
		return err
	}
	defer tc.unlock()

	qo, err := lookup[*queueObj[T]](k, q.h)
	if err != nil {
		return err
	}
	if mode == sendOverwrite && qo.length != 1 {
		return fmt.Errorf("%w: overwrite needs a queue of length 1, have %d", ErrInvalidArgument, qo.length)
	}
	if qo.trySendLocked(k, v, mode) {
		return nil
	}
	if timeout == NoWait {
		return ErrTimeout
	}

	t := tc.t
	t.xfer = v
	t.xferFront = mode == sendFront
	reason := k.blockLocked(t, qo.senders, timeout)
	t.xferFront = false
	switch reason {
	case wakeSignaled:
		return nil
	case wakeDeleted:
		t.xfer = nil
		return ErrInvalidHandle
	default:
		t.xfer = nil
		return ErrTimeout
	}
}

// Send appends v, blocking up to timeout ticks while the queue is full.
func (q Queue[T]) Send(tc *TaskContext, v T, timeout Tick) error {
	return q.send(tc, v, sendBack, timeout)
}

// SendToFront puts v at the head of the queue.
func (q Queue[T]) SendToFront(tc *TaskContext, v T, timeout Tick) error {
	return q.send(tc, v, sendFront, timeout)
}

// Overwrite replaces the single item of a length-1 queue. It never blocks.
func (q Queue[T]) Overwrite(tc *TaskContext, v T) error {
	return q.send(tc, v, sendOverwrite, NoWait)
}

func (q Queue[T]) receive(tc *TaskContext, peek bool, timeout Tick) (T, error) {
	var zero T
	k, err := tc.lock()
	if err != nil {
		return zero, err
	}
	defer tc.unlock()

	qo, err := lookup[*queueObj[T]](k, q.h)
	if err != nil {
		return zero, err
	}
	if v, ok := qo.tryReceiveLocked(k, peek); ok {
		return v, nil
	}
	if timeout == NoWait {
		return zero, ErrTimeout
	}

	t := tc.t
	t.peeking = peek
	reason := k.blockLocked(t, qo.receivers, timeout)
	t.peeking = false
	switch reason {
	case wakeSignaled:
		v := t.xfer.(T)
		t.xfer = nil
		return v, nil
	case wakeDeleted:
		return zero, ErrInvalidHandle
	default:
		return zero, ErrTimeout
	}
}

// Receive removes the head item, blocking up to timeout ticks while the
// queue is empty.
func (q Queue[T]) Receive(tc *TaskContext, timeout Tick) (T, error) {
	return q.receive(tc, false, timeout)
}

// Peek returns the head item without removing it.
func (q Queue[T]) Peek(tc *TaskContext, timeout Tick) (T, error) {
	return q.receive(tc, true, timeout)
}

func (q Queue[T]) sendFromISR(isr *ISR, v T, mode sendMode) (woken bool, err error) {
	k, err := isr.enter()
	if err != nil {
		return false, err
	}
	defer isr.exit(&woken)

	qo, err := lookup[*queueObj[T]](k, q.h)
	if err != nil {
		return false, err
	}
	if mode == sendOverwrite && qo.length != 1 {
		return false, fmt.Errorf("%w: overwrite needs a queue of length 1, have %d", ErrInvalidArgument, qo.length)
	}
	if !qo.trySendLocked(k, v, mode) {
		return false, ErrCapacityExceeded
	}
	return false, nil
}

// SendFromISR appends v without blocking.
func (q Queue[T]) SendFromISR(isr *ISR, v T) (bool, error) {
	return q.sendFromISR(isr, v, sendBack)
}

// SendToFrontFromISR puts v at the head without blocking.
func (q Queue[T]) SendToFrontFromISR(isr *ISR, v T) (bool, error) {
	return q.sendFromISR(isr, v, sendFront)
}

// OverwriteFromISR is Overwrite for interrupt handlers.
func (q Queue[T]) OverwriteFromISR(isr *ISR, v T) (bool, error) {
	return q.sendFromISR(isr, v, sendOverwrite)
}

// ReceiveFromISR removes the head item without blocking.
func (q Queue[T]) ReceiveFromISR(isr *ISR) (v T, woken bool, err error) {
	k, err := isr.enter()
	if err != nil {
		return v, false, err
	}
	defer isr.exit(&woken)

	qo, err := lookup[*queueObj[T]](k, q.h)
	if err != nil {
		return v, false, err
	}
	v, ok := qo.tryReceiveLocked(k, false)
	if !ok {
		return v, false, ErrTimeout
	}
	return v, false, nil
}

// PeekFromISR returns the head item without removing it.
func (q Queue[T]) PeekFromISR(isr *ISR) (T, error) {
	var zero T
	k, err := isr.enter()
	if err != nil {
		return zero, err
	}
	var woken bool
	defer isr.exit(&woken)

	qo, err := lookup[*queueObj[T]](k, q.h)
	if err != nil {
		return zero, err
	}
	v, ok := qo.tryReceiveLocked(k, true)
	if !ok {
		return zero, ErrTimeout
	}
	return v, nil
}

// Len returns the number of queued items.
func (q Queue[T]) Len() int {
	k := q.k
	k.mu.Lock()
	defer k.mu.Unlock()

	qo, err := lookup[*queueObj[T]](k, q.h)
	if err != nil {
		return 0
	}
	return qo.items.Len()
}

// Spaces returns the number of free slots.
func (q Queue[T]) Spaces() int {
	k := q.k
	k.mu.Lock()
	defer k.mu.Unlock()

	qo, err := lookup[*queueObj[T]](k, q.h)
	if err != nil {
		return 0
	}
	return qo.length - qo.items.Len()
}

// Reset discards every queued item. Blocked senders fill the emptied slots.
func (q Queue[T]) Reset() error {
	k := q.k
	if err := k.lockExternal(); err != nil {
		return err
	}
	defer k.unlockExternal()

	qo, err := lookup[*queueObj[T]](k, q.h)
	if err != nil {
		return err
	}
	qo.items.Clear()
	for qo.items.Len() < qo.length {
		w := qo.senders.first()
		if w == nil {
			break
		}
		qo.acceptSenderLocked(k, w)
	}
	if qo.items.Len() > 0 {
		k.notifySetLocked(qo.set)
	}
	return nil
}

// Delete frees the queue. Blocked senders and receivers fail with
// ErrInvalidHandle.
func (q Queue[T]) Delete() error {
	k := q.k
	if err := k.lockExternal(); err != nil {
		return err
	}
	defer k.unlockExternal()

	qo, err := lookup[*queueObj[T]](k, q.h)
	if err != nil {
		return err
	}
	k.leaveSetLocked(qo)
	k.wakeAllLocked(qo.senders, wakeDeleted)
	k.wakeAllLocked(qo.receivers, wakeDeleted)
	k.freeObjectLocked(qo)
	return nil
}
