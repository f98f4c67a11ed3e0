package sched

import "github.com/gammazero/deque"

// readyLists keeps one FIFO per priority. Insertion order is the round-robin
// order among equal priorities.
type readyLists struct {
	lists []deque.Deque[*tcb]
	count int
}

func newReadyLists(priorities int) *readyLists {
	return &readyLists{lists: make([]deque.Deque[*tcb], priorities)}
}

func (r *readyLists) push(t *tcb) {
	r.lists[t.prio].PushBack(t)
	r.count++
}

func (r *readyLists) pushFront(t *tcb) {
	r.lists[t.prio].PushFront(t)
	r.count++
}

func (r *readyLists) remove(t *tcb) bool {
	l := &r.lists[t.prio]
	i := l.Index(func(c *tcb) bool { return c == t })
	if i < 0 {
		return false
	}
	l.Remove(i)
	r.count--
	return true
}

// highest returns the highest priority with a ready task, or -1.
func (r *readyLists) highest() int {
	if r.count == 0 {
		return -1
	}
	for p := len(r.lists) - 1; p >= 0; p-- {
		if r.lists[p].Len() > 0 {
			return p
		}
	}
	return -1
}

func (r *readyLists) pop() *tcb {
	p := r.highest()
	if p < 0 {
		return nil
	}
	r.count--
	return r.lists[p].PopFront()
}

func (r *readyLists) lenAt(prio int) int {
	return r.lists[prio].Len()
}

func (r *readyLists) len() int { return r.count }
