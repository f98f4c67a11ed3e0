// internal/sched/schedulerEvent.go

package sched

import (
	"time"
)

// StatusKind represents the type of scheduler event
type StatusKind int

const (
	StatusIdle StatusKind = iota
	StatusCreate
	StatusDispatch
	StatusPreempt
	StatusBlock
	StatusWake
	StatusTimeout
	StatusSuspend
	StatusResume
	StatusDelete
	StatusTick
	StatusPriorityUpdate
	StatusInterrupt
	StatusTimerFire
)

// StatusEvent is emitted every tick or on key actions
type StatusEvent struct {
	Time     time.Time
	Tick     Tick
	Kind     StatusKind
	TaskID   TaskHandle
	Task     string
	Priority int
	RanTicks int64
}

func (sk StatusKind) String() string {
	switch sk {
	case StatusIdle:
		return "Idle"
	case StatusCreate:
		return "Create"
	case StatusDispatch:
		return "Dispatch"
	case StatusPreempt:
		return "Preempt"
	case StatusBlock:
		return "Block"
	case StatusWake:
		return "Wake"
	case StatusTimeout:
		return "Timeout"
	case StatusSuspend:
		return "Suspend"
	case StatusResume:
		return "Resume"
	case StatusDelete:
		return "Delete"
	case StatusTick:
		return "Tick"
	case StatusPriorityUpdate:
		return "Priority"
	case StatusInterrupt:
		return "Interrupt"
	case StatusTimerFire:
		return "TimerFire"
	default:
		return "Unknown"
	}
}

// EventSink receives status events. Sinks run inside the kernel's critical
// section and must not call back into the kernel.
type EventSink interface {
	HandleEvent(ev StatusEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev StatusEvent)

func (f EventSinkFunc) HandleEvent(ev StatusEvent) { f(ev) }

// emitLocked stamps ev and fans it out to the registered sinks.
func (k *Kernel) emitLocked(ev StatusEvent) {
	if len(k.sinks) == 0 {
		return
	}
	ev.Time = time.Now()
	ev.Tick = k.tick
	for _, s := range k.sinks {
		s.HandleEvent(ev)
	}
}

// taskEvent builds an event describing t.
func taskEvent(kind StatusKind, t *tcb) StatusEvent {
	return StatusEvent{
		Kind:     kind,
		TaskID:   t.handle,
		Task:     t.name,
		Priority: t.prio,
		RanTicks: t.runTicks,
	}
}
