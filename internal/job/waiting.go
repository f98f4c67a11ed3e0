package job

import (
	"vrtos/internal/sched"
)

// SleepWork returns a task body that just sleeps for the given duration,
// then returns, which deletes the task.
func SleepWork(ms int) sched.TaskFunc {
	return func(tc *sched.TaskContext) {
		ticks := tc.Kernel().MsToTicks(ms)
		if ticks == 0 {
			ticks = 1
		}
		_ = tc.Delay(ticks)
	}
}
