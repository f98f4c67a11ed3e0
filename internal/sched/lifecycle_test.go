package sched

import (
	"context"
	"errors"
	"testing"
)

func TestDelay_ZeroYieldsToEqualPriority(t *testing.T) {
	k := newTestKernel(t, nil)

	var order []string
	spawn(t, k, "A", 1, func(tc *TaskContext) {
		order = append(order, "A1")
		_ = tc.Delay(0)
		order = append(order, "A2")
		park(tc)
	})
	spawn(t, k, "B", 1, func(tc *TaskContext) {
		order = append(order, "B")
		park(tc)
	})

	runFor(t, k, 1)
	if want := []string{"A1", "B", "A2"}; !equalStrings(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestDelayUntil_MissedWakeTime(t *testing.T) {
	k := newTestKernel(t, nil)

	var (
		slept bool
		prev  Tick
		err   error
	)
	spawn(t, k, "late", 1, func(tc *TaskContext) {
		if err = tc.Busy(3); err != nil {
			return
		}
		slept, err = tc.DelayUntil(&prev, 2)
		park(tc)
	})

	runFor(t, k, 5)
	if err != nil {
		t.Fatalf("DelayUntil failed: %v", err)
	}
	if slept {
		t.Fatal("DelayUntil slept past a wake time that had already passed")
	}
	if prev != 2 {
		t.Fatalf("prev = %d, want 2", prev)
	}
}

func TestSuspendResume(t *testing.T) {
	k := newTestKernel(t, nil)

	resumed := false
	h := spawn(t, k, "sleepy", 1, func(tc *TaskContext) {
		if err := tc.Suspend(); err != nil {
			return
		}
		resumed = true
		park(tc)
	})

	runFor(t, k, 3)
	info, err := k.TaskInfo(h)
	if err != nil {
		t.Fatalf("TaskInfo failed: %v", err)
	}
	if info.State != StateSuspended {
		t.Fatalf("state = %v, want %v", info.State, StateSuspended)
	}

	ok, err := k.ResumeTask(h)
	if err != nil || !ok {
		t.Fatalf("ResumeTask = %v, %v; want true, nil", ok, err)
	}
	runFor(t, k, 1)
	if !resumed {
		t.Fatal("task did not run after ResumeTask")
	}

	ok, err = k.ResumeTask(h)
	if err != nil || ok {
		t.Fatalf("ResumeTask on a blocked task = %v, %v; want false, nil", ok, err)
	}
}

func TestSuspend_BlockedTaskTimesOutOnResume(t *testing.T) {
	k := newTestKernel(t, nil)

	sem, err := k.NewBinarySemaphore()
	if err != nil {
		t.Fatalf("NewBinarySemaphore failed: %v", err)
	}
	var takeErr error
	h := spawn(t, k, "waiter", 1, func(tc *TaskContext) {
		takeErr = sem.Take(tc, Forever)
		park(tc)
	})

	runFor(t, k, 1)
	if err := k.SuspendTask(h); err != nil {
		t.Fatalf("SuspendTask failed: %v", err)
	}
	if _, err := k.ResumeTask(h); err != nil {
		t.Fatalf("ResumeTask failed: %v", err)
	}
	runFor(t, k, 1)
	if !errors.Is(takeErr, ErrTimeout) {
		t.Fatalf("Take after suspend/resume = %v, want ErrTimeout", takeErr)
	}
}

func TestDeleteTask_ReleasesHeap(t *testing.T) {
	k := newTestKernel(t, nil)

	free := k.FreeHeap()
	h := spawn(t, k, "victim", 1, park)
	if k.FreeHeap() >= free {
		t.Fatal("creating a task did not charge the heap")
	}

	runFor(t, k, 1)
	if err := k.DeleteTask(h); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if got := k.FreeHeap(); got != free {
		t.Fatalf("free heap = %d, want %d", got, free)
	}
	if _, err := k.TaskInfo(h); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("TaskInfo of deleted task = %v, want ErrInvalidHandle", err)
	}
	if err := k.DeleteTask(h); !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("second DeleteTask = %v, want ErrInvalidHandle", err)
	}
}

func TestDeleteTask_FromAnotherTask(t *testing.T) {
	k := newTestKernel(t, nil)

	victim := spawn(t, k, "victim", 1, park)
	var delErr error
	spawn(t, k, "killer", 2, func(tc *TaskContext) {
		if err := tc.Delay(1); err != nil {
			return
		}
		delErr = tc.DeleteTask(victim)
		park(tc)
	})

	runFor(t, k, 3)
	if delErr != nil {
		t.Fatalf("DeleteTask failed: %v", delErr)
	}
	if n := len(k.Tasks()); n != 1 {
		t.Fatalf("live tasks = %d, want 1", n)
	}
}

func TestSelfDelete_ReclaimedByIdle(t *testing.T) {
	k := newTestKernel(t, nil)

	free := k.FreeHeap()
	deferred := false
	spawn(t, k, "oneshot", 1, func(tc *TaskContext) {
		defer func() { deferred = true }()
		tc.Delete()
		t.Error("Delete returned")
	})

	runFor(t, k, 2)
	if !deferred {
		t.Fatal("deferred call in the task body did not run")
	}
	if n := len(k.Tasks()); n != 0 {
		t.Fatalf("live tasks = %d, want 0", n)
	}
	if got := k.FreeHeap(); got != free {
		t.Fatalf("free heap = %d, want %d", got, free)
	}
}

func TestCreateTask_Validation(t *testing.T) {
	k := newTestKernel(t, nil)
	minStack := k.Config().MinimalStack

	tests := []struct {
		name string
		spec TaskSpec
	}{
		{"no entry", TaskSpec{Name: "x", Priority: 1, StackDepth: minStack}},
		{"negative priority", TaskSpec{Name: "x", Entry: park, Priority: -1, StackDepth: minStack}},
		{"priority too high", TaskSpec{Name: "x", Entry: park, Priority: k.Config().MaxPriorities, StackDepth: minStack}},
		{"stack too small", TaskSpec{Name: "x", Entry: park, Priority: 1, StackDepth: minStack - 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := k.CreateTask(tt.spec); !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("CreateTask = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestCreateTask_HeapExhausted(t *testing.T) {
	k := newTestKernel(t, func(c *Config) { c.HeapBytes = 1500 })

	spawn(t, k, "first", 1, park)
	_, err := k.CreateTask(TaskSpec{Name: "second", Entry: park, Priority: 1, StackDepth: 1024})
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("CreateTask = %v, want ErrResourceExhausted", err)
	}
	if low := k.MinimumEverFreeHeap(); low > k.FreeHeap() {
		t.Fatalf("minimum ever free heap %d above free heap %d", low, k.FreeHeap())
	}
}

func TestCreateTask_TaskTableFull(t *testing.T) {
	k := newTestKernel(t, func(c *Config) { c.MaxTasks = 2 })

	spawn(t, k, "a", 1, park)
	spawn(t, k, "b", 1, park)
	_, err := k.CreateTask(TaskSpec{Name: "c", Entry: park, Priority: 1, StackDepth: 1024})
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("CreateTask = %v, want ErrResourceExhausted", err)
	}
}

func TestCreateTask_StaticStack(t *testing.T) {
	k := newTestKernel(t, nil)

	free := k.FreeHeap()
	h, err := k.CreateTask(TaskSpec{Name: "static", Entry: park, Priority: 1, Stack: make([]byte, 1024)})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if got := k.FreeHeap(); got != free {
		t.Fatalf("free heap = %d, want %d", got, free)
	}
	info, err := k.TaskInfo(h)
	if err != nil {
		t.Fatalf("TaskInfo failed: %v", err)
	}
	if !info.Static || info.StackDepth != 1024 {
		t.Fatalf("info = %+v, want a static 1024 byte stack", info)
	}
}

func TestCreateTask_HigherPriorityRunsFirst(t *testing.T) {
	k := newTestKernel(t, nil)

	var order []string
	spawn(t, k, "parent", 1, func(tc *TaskContext) {
		_, err := tc.CreateTask(TaskSpec{
			Name:       "child",
			Priority:   2,
			StackDepth: 1024,
			Entry: func(tc *TaskContext) {
				order = append(order, "child")
			},
		})
		if err != nil {
			t.Errorf("CreateTask failed: %v", err)
		}
		order = append(order, "parent")
		park(tc)
	})

	runFor(t, k, 1)
	if want := []string{"child", "parent"}; !equalStrings(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestSetPriority(t *testing.T) {
	k := newTestKernel(t, nil)

	var order []string
	low := spawn(t, k, "low", 1, func(tc *TaskContext) {
		order = append(order, "low")
		park(tc)
	})
	spawn(t, k, "high", 2, func(tc *TaskContext) {
		order = append(order, "high")
		park(tc)
	})

	if err := k.SetPriority(low, 3); err != nil {
		t.Fatalf("SetPriority failed: %v", err)
	}
	runFor(t, k, 1)
	if want := []string{"low", "high"}; !equalStrings(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	info, _ := k.TaskInfo(low)
	if info.Priority != 3 || info.BasePriority != 3 {
		t.Fatalf("priority = %d base %d, want 3 and 3", info.Priority, info.BasePriority)
	}
	if err := k.SetPriority(low, 99); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("SetPriority(99) = %v, want ErrInvalidArgument", err)
	}
}

// parkedWaits puts a task into each kind of kernel wait. prepare runs before
// the task is created and returns the call it parks in.
var parkedWaits = []struct {
	name    string
	prepare func(t *testing.T, k *Kernel) TaskFunc
}{
	{"Delay", func(t *testing.T, k *Kernel) TaskFunc {
		return park
	}},
	{"Busy", func(t *testing.T, k *Kernel) TaskFunc {
		return func(tc *TaskContext) { _ = tc.Busy(1000) }
	}},
	{"SemaphoreTake", func(t *testing.T, k *Kernel) TaskFunc {
		sem, err := k.NewBinarySemaphore()
		if err != nil {
			t.Fatalf("NewBinarySemaphore failed: %v", err)
		}
		return func(tc *TaskContext) { _ = sem.Take(tc, Forever) }
	}},
	{"QueueReceive", func(t *testing.T, k *Kernel) TaskFunc {
		q := newIntQueue(t, k, 2)
		return func(tc *TaskContext) { _, _ = q.Receive(tc, Forever) }
	}},
	{"MutexLock", func(t *testing.T, k *Kernel) TaskFunc {
		m := newMutex(t, k, false)
		spawn(t, k, "holder", 2, func(tc *TaskContext) {
			_ = m.Lock(tc, Forever)
			park(tc)
		})
		return func(tc *TaskContext) { _ = m.Lock(tc, Forever) }
	}},
	{"WaitBits", func(t *testing.T, k *Kernel) TaskFunc {
		g, err := k.NewEventGroup()
		if err != nil {
			t.Fatalf("NewEventGroup failed: %v", err)
		}
		return func(tc *TaskContext) { _, _ = g.WaitBits(tc, 0x1, true, true, Forever) }
	}},
	{"NotifyTake", func(t *testing.T, k *Kernel) TaskFunc {
		return func(tc *TaskContext) { _, _ = tc.NotifyTake(true, Forever) }
	}},
	{"StreamReceive", func(t *testing.T, k *Kernel) TaskFunc {
		sb, err := k.NewStreamBuffer(16, 1)
		if err != nil {
			t.Fatalf("NewStreamBuffer failed: %v", err)
		}
		return func(tc *TaskContext) { _, _ = sb.Receive(tc, make([]byte, 4), Forever) }
	}},
	{"Select", func(t *testing.T, k *Kernel) TaskFunc {
		q := newIntQueue(t, k, 2)
		set, err := k.NewQueueSet(2)
		if err != nil {
			t.Fatalf("NewQueueSet failed: %v", err)
		}
		if err := set.Add(q); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		return func(tc *TaskContext) { _, _ = set.Select(tc, Forever) }
	}},
}

// exitRecord records how a parked task's goroutine ended.
type exitRecord struct {
	returned    bool
	deferred    bool
	deferredErr error
}

func spawnParked(t *testing.T, k *Kernel, wait TaskFunc) (TaskHandle, *exitRecord) {
	t.Helper()
	p := &exitRecord{}
	h := spawn(t, k, "parked", 1, func(tc *TaskContext) {
		defer func() {
			p.deferred = true
			p.deferredErr = tc.Yield()
		}()
		wait(tc)
		p.returned = true
	})
	return h, p
}

func (p *exitRecord) expectUnwound(t *testing.T) {
	t.Helper()
	if p.returned {
		t.Fatal("kernel call returned after the task was deleted")
	}
	if !p.deferred {
		t.Fatal("deferred calls in the task body did not run")
	}
	if !errors.Is(p.deferredErr, ErrNotRunning) {
		t.Fatalf("Yield from a deleted task = %v, want ErrNotRunning", p.deferredErr)
	}
}

func TestDeleteTask_WhileParked(t *testing.T) {
	for _, tt := range parkedWaits {
		t.Run(tt.name, func(t *testing.T) {
			k := newTestKernel(t, nil)
			wait := tt.prepare(t, k)
			free := k.FreeHeap()
			h, p := spawnParked(t, k, wait)

			runFor(t, k, 3)
			if err := k.DeleteTask(h); err != nil {
				t.Fatalf("DeleteTask failed: %v", err)
			}
			p.expectUnwound(t)
			if got := k.FreeHeap(); got != free {
				t.Fatalf("free heap = %d, want %d", got, free)
			}

			// The kernel keeps scheduling after the delete.
			runFor(t, k, 2)
			if got := k.TickCount(); got != 5 {
				t.Fatalf("tick = %d, want 5", got)
			}
		})
	}
}

func TestClose_WhileParked(t *testing.T) {
	for _, tt := range parkedWaits {
		t.Run(tt.name, func(t *testing.T) {
			k := newTestKernel(t, nil)
			_, p := spawnParked(t, k, tt.prepare(t, k))

			runFor(t, k, 3)
			k.Close()
			p.expectUnwound(t)
			if err := k.RunFor(context.Background(), 1); !errors.Is(err, ErrClosed) {
				t.Fatalf("RunFor after Close = %v, want ErrClosed", err)
			}
		})
	}
}
