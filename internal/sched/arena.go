package sched

import "fmt"

// Handle is a generation-checked index into one of the kernel arenas. A
// handle outlives the thing it names; once the slot is released every copy
// of the handle stops resolving.
type Handle struct {
	index uint32
	gen   uint32
}

// Valid reports whether h was ever issued by a kernel.
func (h Handle) Valid() bool { return h.gen != 0 }

func (h Handle) String() string {
	if !h.Valid() {
		return "#nil"
	}
	return fmt.Sprintf("#%d.%d", h.index, h.gen)
}

type arenaSlot[T any] struct {
	gen  uint32
	used bool
	val  T
}

// arena stores values in reusable slots. limit caps live entries (0 = no cap).
type arena[T any] struct {
	slots []arenaSlot[T]
	free  []uint32
	live  int
	limit int
}

func newArena[T any](limit int) *arena[T] {
	return &arena[T]{limit: limit}
}

func (a *arena[T]) insert(v T) (Handle, bool) {
	if a.limit > 0 && a.live >= a.limit {
		return Handle{}, false
	}

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, arenaSlot[T]{})
	}

	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.used = true
	s.val = v
	a.live++
	return Handle{index: idx, gen: s.gen}, true
}

func (a *arena[T]) get(h Handle) (T, bool) {
	var zero T
	if h.gen == 0 || int(h.index) >= len(a.slots) {
		return zero, false
	}
	s := &a.slots[h.index]
	if !s.used || s.gen != h.gen {
		return zero, false
	}
	return s.val, true
}

func (a *arena[T]) remove(h Handle) bool {
	if _, ok := a.get(h); !ok {
		return false
	}
	var zero T
	s := &a.slots[h.index]
	s.used = false
	s.val = zero
	a.free = append(a.free, h.index)
	a.live--
	return true
}

func (a *arena[T]) len() int { return a.live }

// each visits live entries in slot order.
func (a *arena[T]) each(fn func(Handle, T)) {
	for i := range a.slots {
		s := &a.slots[i]
		if s.used {
			fn(Handle{index: uint32(i), gen: s.gen}, s.val)
		}
	}
}
