package job

import (
	"errors"

	"vrtos/internal/sched"
)

// ErrStop ends a loop without it being treated as a failure.
var ErrStop = errors.New("job: stop")

// Forever runs step until it returns an error.
func Forever(step func(tc *sched.TaskContext) error) sched.TaskFunc {
	return func(tc *sched.TaskContext) {
		for {
			if err := step(tc); err != nil {
				return
			}
		}
	}
}

// Periodic runs step every period ticks, counted from the first run so the
// rate does not drift with step's own run time.
func Periodic(period sched.Tick, step func(tc *sched.TaskContext, n int) error) sched.TaskFunc {
	return func(tc *sched.TaskContext) {
		last := tc.TickCount()
		for n := 0; ; n++ {
			if err := step(tc, n); err != nil {
				return
			}
			if _, err := tc.DelayUntil(&last, period); err != nil {
				return
			}
		}
	}
}

// Spin alternates between burning busy ticks of CPU and sleeping for rest
// ticks.
func Spin(busy, rest sched.Tick) sched.TaskFunc {
	return Forever(func(tc *sched.TaskContext) error {
		if err := tc.Busy(busy); err != nil {
			return err
		}
		if rest == 0 {
			return tc.Yield()
		}
		return tc.Delay(rest)
	})
}
