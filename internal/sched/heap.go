package sched

import "fmt"

// heapMeter accounts the fixed allocation budget shared by dynamically
// created tasks and objects.
type heapMeter struct {
	size    int
	used    int
	minFree int
}

func newHeapMeter(size int) heapMeter {
	return heapMeter{size: size, minFree: size}
}

func (h *heapMeter) alloc(n int) bool {
	if n < 0 || h.used+n > h.size {
		return false
	}
	h.used += n
	if free := h.size - h.used; free < h.minFree {
		h.minFree = free
	}
	return true
}

func (h *heapMeter) release(n int) {
	h.used -= n
	if h.used < 0 {
		h.used = 0
	}
}

func (h *heapMeter) free() int { return h.size - h.used }

// object is anything stored in the kernel's object arena.
type object interface {
	header() *objHeader
}

type objHeader struct {
	handle Handle
	bytes  int
}

func (o *objHeader) header() *objHeader { return o }

func (k *Kernel) newObjectLocked(o object, bytes int) (Handle, error) {
	if !k.heap.alloc(bytes) {
		k.log.Warn("object allocation failed", F("bytes", bytes), F("free", k.heap.free()))
		return Handle{}, fmt.Errorf("%w: %d bytes requested, %d free", ErrResourceExhausted, bytes, k.heap.free())
	}
	h, ok := k.objects.insert(o)
	if !ok {
		k.heap.release(bytes)
		return Handle{}, fmt.Errorf("%w: object table full", ErrResourceExhausted)
	}
	hd := o.header()
	hd.handle = h
	hd.bytes = bytes
	return h, nil
}

func (k *Kernel) freeObjectLocked(o object) {
	hd := o.header()
	if k.objects.remove(hd.handle) {
		k.heap.release(hd.bytes)
	}
}

// lookup resolves h to a live object of type T.
func lookup[T object](k *Kernel, h Handle) (T, error) {
	var zero T
	o, ok := k.objects.get(h)
	if !ok {
		return zero, ErrInvalidHandle
	}
	v, ok := o.(T)
	if !ok {
		return zero, ErrInvalidHandle
	}
	return v, nil
}

// FreeHeap reports the unallocated part of the heap budget.
func (k *Kernel) FreeHeap() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.heap.free()
}

// MinimumEverFreeHeap reports the low-water mark of FreeHeap.
func (k *Kernel) MinimumEverFreeHeap() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.heap.minFree
}
