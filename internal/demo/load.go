package demo

import (
	"strings"

	"vrtos/internal/job"
	"vrtos/internal/sched"
)

func init() {
	register(Scenario{Name: "cpu-load", Description: "equal-priority spinners sharing the CPU, a periodic monitor reporting their run time", Setup: setupCPULoad})
}

func setupCPULoad(k *sched.Kernel, log sched.Logger) error {
	for _, name := range []string{"spinner_a", "spinner_b"} {
		if _, err := spawn(k, name, 2, job.Spin(ms(k, 30), ms(k, 20))); err != nil {
			return err
		}
	}

	_, err := spawn(k, "monitor", 3, job.Periodic(ms(k, 1000), func(tc *sched.TaskContext, n int) error {
		for _, info := range k.Tasks() {
			if strings.HasPrefix(info.Name, "spinner") {
				log.Info("monitor: "+info.Name+" ran", sched.F("ticks", info.RunTicks), sched.F("round", n))
			}
		}
		if _, err := tc.CreateTask(sched.TaskSpec{
			Name:       "sleeper_task",
			Entry:      job.SleepWork(200),
			Priority:   1,
			StackDepth: 1024,
		}); err != nil {
			log.Warn("monitor: create failed", sched.F("error", err))
			return nil
		}
		log.Info("monitor: spawned sleeper", sched.F("free_heap", k.FreeHeap()))
		return nil
	}))
	return err
}
