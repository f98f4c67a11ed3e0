package sched

// TaskHandle identifies a task. It stays comparable and safe to hold after
// the task is deleted; lookups through a stale handle fail.
type TaskHandle struct {
	Handle
}

// TaskFunc is a task body. Returning from it deletes the task.
type TaskFunc func(tc *TaskContext)

// TaskState is the scheduling state of a task.
type TaskState int

const (
	StateReady TaskState = iota
	StateRunning
	StateBlocked
	StateSuspended
	StateDeleted
)

func (s TaskState) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateBlocked:
		return "Blocked"
	case StateSuspended:
		return "Suspended"
	case StateDeleted:
		return "Deleted"
	default:
		return "Unknown"
	}
}

// TaskSpec describes a task to create.
type TaskSpec struct {
	Name       string
	Entry      TaskFunc
	Arg        any
	StackDepth int    // bytes; ignored when Stack is set
	Priority   int    // 0 is the lowest priority
	Stack      []byte // caller-owned stack, makes the creation static
}

// TaskInfo is a snapshot of one task.
type TaskInfo struct {
	Handle       TaskHandle
	Name         string
	Priority     int
	BasePriority int
	State        TaskState
	RunTicks     int64
	StackDepth   int
	Static       bool
	NotifyValue  uint32
}

// tcbOverhead is what one control block costs on the kernel heap.
const tcbOverhead = 96

type wakeReason int

const (
	wakeNone wakeReason = iota
	wakeSignaled
	wakeTimeout
	wakeDeleted
)

type notifyState int

const (
	notifyIdle notifyState = iota
	notifyWaiting
	notifyPending
)

// tcb is the task control block.
type tcb struct {
	handle   TaskHandle
	name     string
	basePrio int
	prio     int // effective priority, raised by inheritance
	state    TaskState
	entry    TaskFunc
	arg      any
	stack    []byte
	static   bool

	resume chan struct{}
	kill   chan struct{}
	done   chan struct{}
	killed bool

	// unwound is set by the task's own goroutine when it leaves a parked
	// kernel call without k.mu.
	unwound bool

	// blocking bookkeeping
	waitOn       *waitList
	waitKey      waitKey
	delayed      bool
	delayKey     delayKey
	wake         wakeReason
	pendingReady bool

	// per-wait payloads
	xfer        any
	xferFront   bool
	peeking     bool
	bitsMask    EventBits
	bitsResult  EventBits
	waitAll     bool
	clearOnExit bool

	held []*mutexObj

	notifyValue uint32
	notifyState notifyState

	runTicks  int64
	sliceUsed int
}

func (t *tcb) info() TaskInfo {
	return TaskInfo{
		Handle:       t.handle,
		Name:         t.name,
		Priority:     t.prio,
		BasePriority: t.basePrio,
		State:        t.state,
		RunTicks:     t.runTicks,
		StackDepth:   len(t.stack),
		Static:       t.static,
		NotifyValue:  t.notifyValue,
	}
}

func (t *tcb) heapBytes() int {
	if t.static {
		return 0
	}
	return tcbOverhead + len(t.stack)
}
