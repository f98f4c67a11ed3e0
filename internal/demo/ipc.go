package demo

import (
	"vrtos/internal/sched"
)

func init() {
	register(Scenario{Name: "queue-set", Description: "one task serving two queues through a queue set", Setup: setupQueueSet})
	register(Scenario{Name: "stream-buffer", Description: "byte stream between two tasks with a trigger level", Setup: setupStreamBuffer})
	register(Scenario{Name: "message-buffer", Description: "length-framed messages between two tasks", Setup: setupMessageBuffer})
	register(Scenario{Name: "task-notify", Description: "direct-to-task notifications used as a counting semaphore", Setup: setupTaskNotify})
}

func setupQueueSet(k *sched.Kernel, log sched.Logger) error {
	q1, err := sched.NewQueue[int](k, 5)
	if err != nil {
		return err
	}
	q2, err := sched.NewQueue[int](k, 5)
	if err != nil {
		return err
	}
	set, err := k.NewQueueSet(10)
	if err != nil {
		return err
	}
	if err := set.Add(q1); err != nil {
		return err
	}
	if err := set.Add(q2); err != nil {
		return err
	}

	sender := func(name string, q sched.Queue[int], val, period int) sched.TaskFunc {
		return func(tc *sched.TaskContext) {
			for {
				if err := tc.Delay(ms(k, period)); err != nil {
					return
				}
				if err := q.Send(tc, val, sched.NoWait); err != nil {
					log.Warn(name+": queue full", sched.F("error", err))
					continue
				}
				log.Info(name + ": sent")
			}
		}
	}
	if _, err := spawn(k, "sender_task1", 4, sender("sender_task1", q1, 1, 700)); err != nil {
		return err
	}
	if _, err := spawn(k, "sender_task2", 4, sender("sender_task2", q2, 2, 1200)); err != nil {
		return err
	}

	_, err = spawn(k, "queue_set_receiver", 5, func(tc *sched.TaskContext) {
		for {
			h, err := set.Select(tc, sched.Forever)
			if err != nil {
				return
			}
			var (
				from string
				q    sched.Queue[int]
			)
			switch h {
			case q1.Handle():
				from, q = "queue1", q1
			case q2.Handle():
				from, q = "queue2", q2
			default:
				continue
			}
			v, err := q.Receive(tc, sched.NoWait)
			if err != nil {
				log.Warn("queue_set_receiver: selected queue was empty", sched.F("queue", from))
				continue
			}
			log.Info("queue_set_receiver: got value", sched.F("value", v), sched.F("queue", from))
		}
	})
	return err
}

func setupStreamBuffer(k *sched.Kernel, log sched.Logger) error {
	sb, err := k.NewStreamBuffer(64, 4)
	if err != nil {
		return err
	}

	msgs := []string{"Hello", "FreeRTOS", "StreamBuffer!"}
	if _, err := spawn(k, "stream_sender", 4, func(tc *sched.TaskContext) {
		for i := 0; ; i = (i + 1) % len(msgs) {
			if _, err := sb.Send(tc, []byte(msgs[i]), sched.Forever); err != nil {
				return
			}
			log.Info("stream_sender: sent '" + msgs[i] + "'")
			if err := tc.Delay(ms(k, 1000)); err != nil {
				return
			}
		}
	}); err != nil {
		return err
	}

	_, err = spawn(k, "stream_receiver", 5, func(tc *sched.TaskContext) {
		buf := make([]byte, 31)
		for {
			n, err := sb.Receive(tc, buf, sched.Forever)
			if err != nil {
				return
			}
			log.Info("stream_receiver: got '"+string(buf[:n])+"'", sched.F("bytes", n))
		}
	})
	return err
}

func setupMessageBuffer(k *sched.Kernel, log sched.Logger) error {
	mb, err := k.NewMessageBuffer(64)
	if err != nil {
		return err
	}

	msgs := []string{"Msg1", "Msg2: Hello", "Msg3: FreeRTOS"}
	if _, err := spawn(k, "msg_sender", 4, func(tc *sched.TaskContext) {
		for i := 0; ; i = (i + 1) % len(msgs) {
			if _, err := mb.Send(tc, []byte(msgs[i]), sched.Forever); err != nil {
				return
			}
			log.Info("msg_sender: sent '" + msgs[i] + "'")
			if err := tc.Delay(ms(k, 1200)); err != nil {
				return
			}
		}
	}); err != nil {
		return err
	}

	_, err = spawn(k, "msg_receiver", 5, func(tc *sched.TaskContext) {
		buf := make([]byte, 31)
		for {
			n, err := mb.Receive(tc, buf, sched.Forever)
			if err != nil {
				log.Error("msg_receiver: receive failed", sched.F("error", err))
				return
			}
			log.Info("msg_receiver: got '" + string(buf[:n]) + "'")
		}
	})
	return err
}

func setupTaskNotify(k *sched.Kernel, log sched.Logger) error {
	notified, err := spawn(k, "notified_task", 5, func(tc *sched.TaskContext) {
		for count := 1; ; count++ {
			if _, err := tc.NotifyTake(true, sched.Forever); err != nil {
				return
			}
			log.Info("notified_task: got notification", sched.F("count", count))
		}
	})
	if err != nil {
		return err
	}

	_, err = spawn(k, "notifier_task", 4, func(tc *sched.TaskContext) {
		for {
			if err := tc.Delay(ms(k, 800)); err != nil {
				return
			}
			if err := tc.NotifyGive(notified); err != nil {
				log.Error("notifier_task: notify failed", sched.F("error", err))
				return
			}
			log.Info("notifier_task: sent notification")
		}
	})
	return err
}
