package sched

import (
	"errors"
	"fmt"
)

// Outcomes reported by kernel calls. Callers match them with errors.Is; the
// kernel never retries on their behalf.
var (
	ErrTimeout              = errors.New("sched: timed out")
	ErrCapacityExceeded     = errors.New("sched: capacity exceeded")
	ErrWrongOwner           = errors.New("sched: caller does not own the mutex")
	ErrInvalidFromInterrupt = errors.New("sched: blocking call from interrupt context")
	ErrResourceExhausted    = errors.New("sched: kernel resources exhausted")
	ErrInvalidHandle        = errors.New("sched: invalid or stale handle")
	ErrInvalidArgument      = errors.New("sched: invalid argument")
	ErrNotRunning           = errors.New("sched: caller is not the running task")
	ErrBufferTooSmall       = errors.New("sched: receive buffer smaller than message")
	ErrSchedulerRunning     = errors.New("sched: scheduler already running")
	ErrClosed               = errors.New("sched: kernel closed")
)

// kernelFault is raised when kernel bookkeeping is found inconsistent. It is
// never recovered: scheduling on corrupted lists is worse than aborting.
type kernelFault struct {
	msg string
}

func (f kernelFault) Error() string { return "sched: kernel fault: " + f.msg }

func (k *Kernel) fatalf(format string, args ...any) {
	panic(kernelFault{msg: fmt.Sprintf(format, args...)})
}
