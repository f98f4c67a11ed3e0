package sched

import (
	"encoding/binary"
	"fmt"

	"github.com/gammazero/deque"
)

const (
	streamOverhead = 64
	msgHeaderLen   = 4 // little-endian uint32 length before every message
)

// streamObj backs both stream and message buffers. A message buffer is a
// stream buffer whose writes are framed with a length header.
type streamObj struct {
	objHeader
	size    int
	trigger int
	framed  bool
	data    deque.Deque[byte]
	readers *waitList
	writers *waitList
}

func (s *streamObj) space() int { return s.size - s.data.Len() }

func (s *streamObj) nextLen() int {
	var hdr [msgHeaderLen]byte
	for i := range hdr {
		hdr[i] = s.data.At(i)
	}
	return int(binary.LittleEndian.Uint32(hdr[:]))
}

// writeLocked appends as much of p as fits (all of it for a message,
// whose space the caller checked) and wakes a reader once the trigger
// level is reached.
func (s *streamObj) writeLocked(k *Kernel, p []byte) int {
	n := len(p)
	if s.framed {
		var hdr [msgHeaderLen]byte
		binary.LittleEndian.PutUint32(hdr[:], uint32(len(p)))
		for _, b := range hdr {
			s.data.PushBack(b)
		}
	} else if n > s.space() {
		n = s.space()
	}
	for _, b := range p[:n] {
		s.data.PushBack(b)
	}

	if s.data.Len() >= s.trigger && (n > 0 || s.framed) {
		if w := s.readers.first(); w != nil {
			k.wakeLocked(w, wakeSignaled, StatusWake)
		}
	}
	return n
}

// readLocked copies out pending bytes, or exactly one message, and wakes a
// blocked writer.
func (s *streamObj) readLocked(k *Kernel, buf []byte) (int, error) {
	var n int
	if s.framed {
		n = s.nextLen()
		if n > len(buf) {
			return 0, fmt.Errorf("%w: next message is %d bytes, buffer holds %d", ErrBufferTooSmall, n, len(buf))
		}
		for i := 0; i < msgHeaderLen; i++ {
			s.data.PopFront()
		}
	} else {
		n = min(len(buf), s.data.Len())
	}
	for i := 0; i < n; i++ {
		buf[i] = s.data.PopFront()
	}

	if w := s.writers.first(); w != nil {
		k.wakeLocked(w, wakeSignaled, StatusWake)
	}
	return n, nil
}

func (s *streamObj) need(p []byte) (int, error) {
	if !s.framed {
		return len(p), nil
	}
	if len(p) == 0 {
		return 0, fmt.Errorf("%w: empty message", ErrInvalidArgument)
	}
	need := len(p) + msgHeaderLen
	if need > s.size {
		return 0, fmt.Errorf("%w: message of %d bytes does not fit a %d byte buffer", ErrCapacityExceeded, len(p), s.size)
	}
	return need, nil
}

// sendLocked waits until all of p fits. On timeout a stream buffer takes
// what fits and reports how much; a message buffer takes nothing.
func (k *Kernel) streamSendLocked(t *tcb, s *streamObj, p []byte, timeout Tick) (int, error) {
	need, err := s.need(p)
	if err != nil || need == 0 {
		return 0, err
	}

	deadline := k.deadlineLocked(timeout)
	for {
		if s.space() >= need {
			return s.writeLocked(k, p), nil
		}
		if k.remainingLocked(deadline) == NoWait {
			if s.framed {
				return 0, ErrTimeout
			}
			return s.writeLocked(k, p), ErrTimeout
		}
		if k.blockLocked(t, s.writers, k.remainingLocked(deadline)) == wakeDeleted {
			return 0, ErrInvalidHandle
		}
	}
}

func (k *Kernel) streamReceiveLocked(t *tcb, s *streamObj, buf []byte, timeout Tick) (int, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("%w: empty receive buffer", ErrInvalidArgument)
	}

	deadline := k.deadlineLocked(timeout)
	for {
		if s.data.Len() > 0 {
			return s.readLocked(k, buf)
		}
		wait := k.remainingLocked(deadline)
		if wait == NoWait {
			return 0, ErrTimeout
		}
		reason := k.blockLocked(t, s.readers, wait)
		switch {
		case reason == wakeDeleted:
			return 0, ErrInvalidHandle
		case reason == wakeTimeout && s.data.Len() == 0:
			return 0, ErrTimeout
		}
	}
}

func (k *Kernel) newStreamObj(size, trigger int, framed bool) (Handle, error) {
	if err := k.lockExternal(); err != nil {
		return Handle{}, err
	}
	defer k.unlockExternal()

	s := &streamObj{size: size, trigger: trigger, framed: framed, readers: newWaitList(), writers: newWaitList()}
	return k.newObjectLocked(s, streamOverhead+size)
}

// StreamBuffer passes a byte stream from one writer to one reader.
type StreamBuffer struct {
	k *Kernel
	h Handle
}

// NewStreamBuffer creates a stream buffer of size bytes. A blocked reader
// wakes once trigger bytes are available.
func (k *Kernel) NewStreamBuffer(size, trigger int) (StreamBuffer, error) {
	if size <= 0 {
		return StreamBuffer{}, fmt.Errorf("%w: stream buffer size %d", ErrInvalidArgument, size)
	}
	if trigger < 1 {
		trigger = 1
	}
	if trigger > size {
		return StreamBuffer{}, fmt.Errorf("%w: trigger level %d above size %d", ErrInvalidArgument, trigger, size)
	}
	h, err := k.newStreamObj(size, trigger, false)
	if err != nil {
		return StreamBuffer{}, err
	}
	return StreamBuffer{k: k, h: h}, nil
}

// Handle returns the buffer's object handle.
func (b StreamBuffer) Handle() Handle { return b.h }

// Send writes p, blocking up to timeout ticks for room. On timeout it
// writes what fits and returns the count with ErrTimeout.
func (b StreamBuffer) Send(tc *TaskContext, p []byte, timeout Tick) (int, error) {
	return streamSend(tc, b.h, p, timeout)
}

// Receive reads up to len(buf) bytes, blocking up to timeout ticks until
// the trigger level is reached. On timeout it returns whatever arrived.
func (b StreamBuffer) Receive(tc *TaskContext, buf []byte, timeout Tick) (int, error) {
	return streamReceive(tc, b.h, buf, timeout)
}

// SendFromISR writes what fits without blocking.
func (b StreamBuffer) SendFromISR(isr *ISR, p []byte) (int, bool, error) {
	return streamSendFromISR(isr, b.h, p)
}

// ReceiveFromISR reads without blocking.
func (b StreamBuffer) ReceiveFromISR(isr *ISR, buf []byte) (int, bool, error) {
	return streamReceiveFromISR(isr, b.h, buf)
}

// BytesAvailable returns the number of unread bytes.
func (b StreamBuffer) BytesAvailable() int {
	return streamQuery(b.k, b.h, func(s *streamObj) int { return s.data.Len() })
}

// SpacesAvailable returns the free room in bytes.
func (b StreamBuffer) SpacesAvailable() int {
	return streamQuery(b.k, b.h, (*streamObj).space)
}

// SetTriggerLevel changes the wake threshold for blocked readers.
func (b StreamBuffer) SetTriggerLevel(trigger int) error {
	k := b.k
	if err := k.lockExternal(); err != nil {
		return err
	}
	defer k.unlockExternal()

	s, err := lookup[*streamObj](k, b.h)
	if err != nil {
		return err
	}
	if trigger < 1 {
		trigger = 1
	}
	if trigger > s.size {
		return fmt.Errorf("%w: trigger level %d above size %d", ErrInvalidArgument, trigger, s.size)
	}
	s.trigger = trigger
	return nil
}

// Reset empties the buffer. It fails while a task is blocked on it.
func (b StreamBuffer) Reset() error { return streamReset(b.k, b.h) }

// Delete frees the buffer. Blocked tasks fail with ErrInvalidHandle.
func (b StreamBuffer) Delete() error { return streamDelete(b.k, b.h) }

// MessageBuffer passes discrete messages; every receive returns exactly one.
type MessageBuffer struct {
	k *Kernel
	h Handle
}

// NewMessageBuffer creates a message buffer of size bytes. Every message
// also uses 4 bytes of length header.
func (k *Kernel) NewMessageBuffer(size int) (MessageBuffer, error) {
	if size <= msgHeaderLen {
		return MessageBuffer{}, fmt.Errorf("%w: message buffer size %d", ErrInvalidArgument, size)
	}
	h, err := k.newStreamObj(size, 1, true)
	if err != nil {
		return MessageBuffer{}, err
	}
	return MessageBuffer{k: k, h: h}, nil
}

// Handle returns the buffer's object handle.
func (b MessageBuffer) Handle() Handle { return b.h }

// Send queues one message, blocking up to timeout ticks for room. A message
// is written whole or not at all.
func (b MessageBuffer) Send(tc *TaskContext, msg []byte, timeout Tick) (int, error) {
	return streamSend(tc, b.h, msg, timeout)
}

// Receive copies the next message into buf. A buffer shorter than the
// message yields ErrBufferTooSmall and the message stays queued.
func (b MessageBuffer) Receive(tc *TaskContext, buf []byte, timeout Tick) (int, error) {
	return streamReceive(tc, b.h, buf, timeout)
}

// SendFromISR queues one message without blocking.
func (b MessageBuffer) SendFromISR(isr *ISR, msg []byte) (int, bool, error) {
	return streamSendFromISR(isr, b.h, msg)
}

// ReceiveFromISR takes one message without blocking.
func (b MessageBuffer) ReceiveFromISR(isr *ISR, buf []byte) (int, bool, error) {
	return streamReceiveFromISR(isr, b.h, buf)
}

// NextMessageLength returns the length of the next message, 0 if none.
func (b MessageBuffer) NextMessageLength() int {
	return streamQuery(b.k, b.h, func(s *streamObj) int {
		if s.data.Len() == 0 {
			return 0
		}
		return s.nextLen()
	})
}

// SpacesAvailable returns the free room in bytes, headers included.
func (b MessageBuffer) SpacesAvailable() int {
	return streamQuery(b.k, b.h, (*streamObj).space)
}

// Reset empties the buffer. It fails while a task is blocked on it.
func (b MessageBuffer) Reset() error { return streamReset(b.k, b.h) }

// Delete frees the buffer. Blocked tasks fail with ErrInvalidHandle.
func (b MessageBuffer) Delete() error { return streamDelete(b.k, b.h) }

func streamSend(tc *TaskContext, h Handle, p []byte, timeout Tick) (int, error) {
	k, err := tc.lock()
	if err != nil {
		return 0, err
	}
	defer tc.unlock()

	s, err := lookup[*streamObj](k, h)
	if err != nil {
		return 0, err
	}
	return k.streamSendLocked(tc.t, s, p, timeout)
}

func streamReceive(tc *TaskContext, h Handle, buf []byte, timeout Tick) (int, error) {
	k, err := tc.lock()
	if err != nil {
		return 0, err
	}
	defer tc.unlock()

	s, err := lookup[*streamObj](k, h)
	if err != nil {
		return 0, err
	}
	return k.streamReceiveLocked(tc.t, s, buf, timeout)
}

func streamSendFromISR(isr *ISR, h Handle, p []byte) (n int, woken bool, err error) {
	k, err := isr.enter()
	if err != nil {
		return 0, false, err
	}
	defer isr.exit(&woken)

	s, err := lookup[*streamObj](k, h)
	if err != nil {
		return 0, false, err
	}
	need, err := s.need(p)
	if err != nil || need == 0 {
		return 0, false, err
	}
	if s.framed && s.space() < need {
		return 0, false, ErrCapacityExceeded
	}
	n = s.writeLocked(k, p)
	if n < len(p) {
		return n, false, ErrCapacityExceeded
	}
	return n, false, nil
}

func streamReceiveFromISR(isr *ISR, h Handle, buf []byte) (n int, woken bool, err error) {
	k, err := isr.enter()
	if err != nil {
		return 0, false, err
	}
	defer isr.exit(&woken)

	s, err := lookup[*streamObj](k, h)
	if err != nil {
		return 0, false, err
	}
	if len(buf) == 0 {
		return 0, false, fmt.Errorf("%w: empty receive buffer", ErrInvalidArgument)
	}
	if s.data.Len() == 0 {
		return 0, false, ErrTimeout
	}
	n, err = s.readLocked(k, buf)
	return n, false, err
}

func streamQuery(k *Kernel, h Handle, fn func(*streamObj) int) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	s, err := lookup[*streamObj](k, h)
	if err != nil {
		return 0
	}
	return fn(s)
}

func streamReset(k *Kernel, h Handle) error {
	if err := k.lockExternal(); err != nil {
		return err
	}
	defer k.unlockExternal()

	s, err := lookup[*streamObj](k, h)
	if err != nil {
		return err
	}
	if s.readers.len() > 0 || s.writers.len() > 0 {
		return fmt.Errorf("%w: tasks are blocked on the buffer", ErrInvalidArgument)
	}
	s.data.Clear()
	return nil
}

func streamDelete(k *Kernel, h Handle) error {
	if err := k.lockExternal(); err != nil {
		return err
	}
	defer k.unlockExternal()

	s, err := lookup[*streamObj](k, h)
	if err != nil {
		return err
	}
	k.wakeAllLocked(s.readers, wakeDeleted)
	k.wakeAllLocked(s.writers, wakeDeleted)
	k.freeObjectLocked(s)
	return nil
}
