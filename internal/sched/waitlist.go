package sched

import "github.com/emirpasic/gods/trees/redblacktree"

// waitKey orders waiters by effective priority, then by arrival.
type waitKey struct {
	prio int
	seq  uint64
}

func waitCmp(a, b any) int {
	ka, kb := a.(waitKey), b.(waitKey)
	switch {
	case ka.prio > kb.prio:
		return -1
	case ka.prio < kb.prio:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// delayKey orders the delayed list by wake tick.
type delayKey struct {
	at  Tick
	seq uint64
}

func delayCmp(a, b any) int {
	ka, kb := a.(delayKey), b.(delayKey)
	switch {
	case ka.at < kb.at:
		return -1
	case ka.at > kb.at:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// waitList holds the tasks blocked on one side of a primitive.
type waitList struct {
	tree  *redblacktree.Tree
	mutex *mutexObj // set when this is a mutex's list, for inheritance
}

func newWaitList() *waitList {
	return &waitList{tree: redblacktree.NewWith(waitCmp)}
}

func (w *waitList) add(t *tcb, seq uint64) {
	t.waitKey = waitKey{prio: t.prio, seq: seq}
	t.waitOn = w
	w.tree.Put(t.waitKey, t)
}

func (w *waitList) remove(t *tcb) bool {
	if _, found := w.tree.Get(t.waitKey); !found || t.waitOn != w {
		return false
	}
	w.tree.Remove(t.waitKey)
	t.waitOn = nil
	return true
}

// reposition re-sorts t after its effective priority changed, keeping its
// arrival order among tasks of the new priority.
func (w *waitList) reposition(t *tcb) {
	w.tree.Remove(t.waitKey)
	t.waitKey.prio = t.prio
	w.tree.Put(t.waitKey, t)
}

func (w *waitList) first() *tcb {
	n := w.tree.Left()
	if n == nil {
		return nil
	}
	return n.Value.(*tcb)
}

func (w *waitList) len() int { return w.tree.Size() }

// snapshot returns the waiters in wake order; safe to mutate the list while
// walking the result.
func (w *waitList) snapshot() []*tcb {
	vals := w.tree.Values()
	out := make([]*tcb, len(vals))
	for i, v := range vals {
		out[i] = v.(*tcb)
	}
	return out
}
