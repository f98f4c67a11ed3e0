package demo

import (
	"errors"

	"vrtos/internal/sched"
)

func init() {
	register(Scenario{Name: "mutex", Description: "two tasks sharing the console behind a mutex", Setup: setupMutex})
	register(Scenario{Name: "recursive-mutex", Description: "nested locking of a recursive mutex", Setup: setupRecursiveMutex})
	register(Scenario{Name: "semaphore", Description: "binary semaphore signaling and a counting semaphore pool", Setup: setupSemaphore})
	register(Scenario{Name: "priority-inheritance", Description: "low-priority holder boosted by a blocked high-priority task", Setup: setupPriorityInheritance})
}

func setupMutex(k *sched.Kernel, log sched.Logger) error {
	mu, err := k.NewMutex()
	if err != nil {
		return err
	}

	printer := func(name string, rest int) sched.TaskFunc {
		return func(tc *sched.TaskContext) {
			for {
				if err := mu.Lock(tc, sched.Forever); err != nil {
					return
				}
				log.Info(name+": Printing safely with mutex!", sched.F("tick", tc.TickCount()))
				if err := tc.Delay(ms(k, 100)); err != nil {
					return
				}
				if err := mu.Unlock(tc); err != nil {
					log.Error(name+": unlock failed", sched.F("error", err))
					return
				}
				if err := tc.Delay(ms(k, rest)); err != nil {
					return
				}
			}
		}
	}
	if _, err := spawn(k, "mutex_task1", 5, printer("Task 1", 200)); err != nil {
		return err
	}
	_, err = spawn(k, "mutex_task2", 5, printer("Task 2", 300))
	return err
}

func setupRecursiveMutex(k *sched.Kernel, log sched.Logger) error {
	mu, err := k.NewRecursiveMutex()
	if err != nil {
		return err
	}

	// locked takes mu, runs fn while holding it, then gives it back.
	locked := func(tc *sched.TaskContext, name string, fn func() error) error {
		if err := mu.Lock(tc, sched.Forever); err != nil {
			return err
		}
		log.Info(name + ": locked recursively")
		var ferr error
		if fn != nil {
			ferr = fn()
		}
		return errors.Join(ferr, mu.Unlock(tc))
	}

	if _, err := spawn(k, "rec_mutex_task", 5, func(tc *sched.TaskContext) {
		for {
			err := locked(tc, "rec_mutex_task", func() error {
				return locked(tc, "nested_function", func() error {
					return locked(tc, "deep_function", nil)
				})
			})
			if err != nil {
				log.Error("rec_mutex_task: lock chain failed", sched.F("error", err))
				return
			}
			if err := tc.Delay(ms(k, 500)); err != nil {
				return
			}
		}
	}); err != nil {
		return err
	}

	_, err = spawn(k, "rec_mutex_blocked_task", 4, func(tc *sched.TaskContext) {
		for {
			switch err := mu.Lock(tc, ms(k, 100)); {
			case err == nil:
				log.Info("blocked_task: got recursive mutex")
				if err := mu.Unlock(tc); err != nil {
					return
				}
			case errors.Is(err, sched.ErrTimeout):
				log.Info("blocked_task: waiting for recursive mutex")
			default:
				return
			}
			if err := tc.Delay(ms(k, 200)); err != nil {
				return
			}
		}
	})
	return err
}

func setupSemaphore(k *sched.Kernel, log sched.Logger) error {
	bin, err := k.NewBinarySemaphore()
	if err != nil {
		return err
	}
	pool, err := k.NewCountingSemaphore(3, 3)
	if err != nil {
		return err
	}

	if _, err := spawn(k, "isr_simulator_task", 5, func(tc *sched.TaskContext) {
		for {
			if err := tc.Delay(ms(k, 1000)); err != nil {
				return
			}
			if err := bin.Give(tc); err != nil {
				log.Warn("ISR Simulator: give failed", sched.F("error", err))
				continue
			}
			log.Info("ISR Simulator: Gave binary semaphore")
		}
	}); err != nil {
		return err
	}

	if _, err := spawn(k, "bin_sem_task", 5, func(tc *sched.TaskContext) {
		for {
			if err := bin.Take(tc, sched.Forever); err != nil {
				return
			}
			log.Info("bin_sem_task: Got binary semaphore!", sched.F("tick", tc.TickCount()))
		}
	}); err != nil {
		return err
	}

	_, err = spawn(k, "count_sem_task", 4, func(tc *sched.TaskContext) {
		for {
			switch err := pool.Take(tc, ms(k, 500)); {
			case err == nil:
				log.Info("count_sem_task: Got resource from pool", sched.F("left", pool.Count()))
				if err := tc.Delay(ms(k, 700)); err != nil {
					return
				}
				if err := pool.Give(tc); err != nil {
					log.Error("count_sem_task: give failed", sched.F("error", err))
					return
				}
				log.Info("count_sem_task: Released resource")
			case errors.Is(err, sched.ErrTimeout):
				log.Info("count_sem_task: No resource available")
			default:
				return
			}
		}
	})
	return err
}

func setupPriorityInheritance(k *sched.Kernel, log sched.Logger) error {
	mu, err := k.NewMutex()
	if err != nil {
		return err
	}

	if _, err := spawn(k, "low_task", 2, func(tc *sched.TaskContext) {
		for {
			if err := mu.Lock(tc, sched.Forever); err != nil {
				return
			}
			log.Info("low_task: holding mutex (low priority)", sched.F("priority", tc.Priority()))
			if err := tc.Delay(ms(k, 1000)); err != nil {
				return
			}
			log.Info("low_task: releasing mutex", sched.F("priority", tc.Priority()))
			if err := mu.Unlock(tc); err != nil {
				return
			}
			if err := tc.Delay(ms(k, 1000)); err != nil {
				return
			}
		}
	}); err != nil {
		return err
	}

	if _, err := spawn(k, "medium_task", 3, func(tc *sched.TaskContext) {
		for {
			log.Info("medium_task: running (medium priority)")
			if err := tc.Delay(ms(k, 500)); err != nil {
				return
			}
		}
	}); err != nil {
		return err
	}

	_, err = spawn(k, "high_task", 4, func(tc *sched.TaskContext) {
		for {
			if err := tc.Delay(ms(k, 200)); err != nil {
				return
			}
			log.Info("high_task: trying to take mutex (high priority)")
			if err := mu.Lock(tc, sched.Forever); err != nil {
				return
			}
			log.Info("high_task: got mutex!", sched.F("tick", tc.TickCount()))
			if err := mu.Unlock(tc); err != nil {
				return
			}
			if err := tc.Delay(ms(k, 1000)); err != nil {
				return
			}
		}
	})
	return err
}
