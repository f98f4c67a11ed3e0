package demo

import (
	"vrtos/internal/sched"
)

func init() {
	register(Scenario{Name: "basic", Description: "two equal-priority tasks blinking at different rates", Setup: setupBasic})
	register(Scenario{Name: "intermediate", Description: "button interrupt feeding a queue, task toggles the LED", Setup: setupIntermediate})
	register(Scenario{Name: "event-group", Description: "auto-reload timer sets an event bit two tasks wait on", Setup: setupEventGroup})
	register(Scenario{Name: "idle-hook", Description: "idle hook counting idle ticks", Options: idleHookOptions, Setup: setupIdleHook})
	register(Scenario{Name: "dynamic-task", Description: "a task creating short-lived tasks that delete themselves", Setup: setupDynamicTask})
}

func blinker(log sched.Logger, name string, period sched.Tick) sched.TaskFunc {
	l := &led{log: log, owner: name}
	return func(tc *sched.TaskContext) {
		for {
			l.set(tc, true)
			if err := tc.Delay(period); err != nil {
				return
			}
			l.set(tc, false)
			if err := tc.Delay(period); err != nil {
				return
			}
		}
	}
}

func setupBasic(k *sched.Kernel, log sched.Logger) error {
	if _, err := spawn(k, "basic_blink_task1", 5, blinker(log, "Task1", ms(k, 500))); err != nil {
		return err
	}
	_, err := spawn(k, "basic_blink_task2", 5, blinker(log, "Task2", ms(k, 200)))
	return err
}

type buttonEvent int

const (
	buttonPressed buttonEvent = iota
	buttonReleased
)

func setupIntermediate(k *sched.Kernel, log sched.Logger) error {
	events, err := sched.NewQueue[buttonEvent](k, 10)
	if err != nil {
		return err
	}

	l := &led{log: log, owner: "button_task"}
	if _, err := spawn(k, "button_task", 10, func(tc *sched.TaskContext) {
		for {
			ev, err := events.Receive(tc, sched.Forever)
			if err != nil {
				log.Error("button_task: receive failed", sched.F("error", err))
				return
			}
			if ev == buttonPressed {
				log.Info("Button pressed! Toggling LED.")
				l.toggle(tc)
			}
		}
	}); err != nil {
		return err
	}

	// the button is pressed every 1.5s
	return k.AttachInterrupt(ms(k, 1500), func(isr *sched.ISR) {
		woken, err := events.SendFromISR(isr, buttonPressed)
		if err != nil {
			log.Warn("button event dropped", sched.F("error", err))
			return
		}
		isr.YieldFromISR(woken)
	})
}

const ledToggled sched.EventBits = 1 << 0

func setupEventGroup(k *sched.Kernel, log sched.Logger) error {
	group, err := k.NewEventGroup()
	if err != nil {
		return err
	}

	l := &led{log: log, owner: "Timer"}
	blink, err := k.NewTimer(sched.TimerSpec{
		Name:       "blink_timer",
		Period:     ms(k, 1000),
		AutoReload: true,
		Callback: func(tc *sched.TaskContext, tm sched.Timer) {
			l.toggle(tc)
			if _, err := group.SetBits(tc, ledToggled); err != nil {
				log.Error("set bits failed", sched.F("error", err))
			}
		},
	})
	if err != nil {
		return err
	}

	waiter := func(name string) sched.TaskFunc {
		return func(tc *sched.TaskContext) {
			for {
				if _, err := group.WaitBits(tc, ledToggled, false, true, sched.Forever); err != nil {
					return
				}
				log.Info(name+": Detected LED toggle event", sched.F("tick", tc.TickCount()))
			}
		}
	}
	if _, err := spawn(k, "advanced_task1", 5, waiter("Task1")); err != nil {
		return err
	}
	if _, err := spawn(k, "advanced_task2", 5, waiter("Task2")); err != nil {
		return err
	}
	return blink.Start(nil, sched.NoWait)
}

func idleHookOptions(log sched.Logger) []sched.Option {
	count := 0
	return []sched.Option{sched.WithIdleHook(func() {
		count++
		if count%100 == 0 {
			log.Info("Idle hook: running in background", sched.F("count", count))
		}
	})}
}

func setupIdleHook(k *sched.Kernel, log sched.Logger) error {
	log.Info("Idle hook demo: watch for idle messages")
	return nil
}

func setupDynamicTask(k *sched.Kernel, log sched.Logger) error {
	temporary := func(tc *sched.TaskContext) {
		log.Info("temporary_task: running, will self-delete", sched.F("tick", tc.TickCount()))
		if err := tc.Delay(ms(k, 1000)); err != nil {
			return
		}
		log.Info("temporary_task: deleting itself", sched.F("tick", tc.TickCount()))
		tc.Delete()
	}

	_, err := spawn(k, "creator_task", 4, func(tc *sched.TaskContext) {
		for {
			log.Info("creator_task: creating temporary task", sched.F("free_heap", k.FreeHeap()))
			if _, err := tc.CreateTask(sched.TaskSpec{
				Name:       "temporary_task",
				Entry:      temporary,
				Priority:   5,
				StackDepth: 2048,
			}); err != nil {
				log.Warn("creator_task: create failed", sched.F("error", err))
			}
			if err := tc.Delay(ms(k, 3000)); err != nil {
				return
			}
		}
	})
	return err
}
