package sched

import (
	"errors"
	"fmt"
	"testing"
)

func newMutex(t *testing.T, k *Kernel, recursive bool) Mutex {
	t.Helper()
	var (
		m   Mutex
		err error
	)
	if recursive {
		m, err = k.NewRecursiveMutex()
	} else {
		m, err = k.NewMutex()
	}
	if err != nil {
		t.Fatalf("create mutex: %v", err)
	}
	return m
}

func TestMutex_PriorityInheritance(t *testing.T) {
	k := newTestKernel(t, nil)
	m := newMutex(t, k, false)

	var log []string
	spawn(t, k, "low", 1, func(tc *TaskContext) {
		if err := m.Lock(tc, Forever); err != nil {
			t.Errorf("low Lock: %v", err)
			return
		}
		if err := tc.Busy(4); err != nil {
			return
		}
		log = append(log, fmt.Sprintf("low:%d", tc.Priority()))
		if err := m.Unlock(tc); err != nil {
			t.Errorf("low Unlock: %v", err)
		}
		log = append(log, fmt.Sprintf("low:%d", tc.Priority()))
		park(tc)
	})
	spawn(t, k, "medium", 2, func(tc *TaskContext) {
		if err := tc.Delay(3); err != nil {
			return
		}
		log = append(log, "medium")
		park(tc)
	})
	spawn(t, k, "high", 3, func(tc *TaskContext) {
		if err := tc.Delay(2); err != nil {
			return
		}
		if err := m.Lock(tc, Forever); err != nil {
			t.Errorf("high Lock: %v", err)
			return
		}
		log = append(log, "high")
		_ = m.Unlock(tc)
		park(tc)
	})

	runFor(t, k, 10)
	want := []string{"low:3", "high", "medium", "low:1"}
	if !equalStrings(log, want) {
		t.Fatalf("log = %v, want %v", log, want)
	}
}

func TestMutex_TimeoutDropsInheritance(t *testing.T) {
	k := newTestKernel(t, nil)
	m := newMutex(t, k, false)

	var (
		lockErr  error
		lowPrios []int
	)
	spawn(t, k, "low", 1, func(tc *TaskContext) {
		if err := m.Lock(tc, Forever); err != nil {
			return
		}
		for i := 0; i < 6; i++ {
			if err := tc.Busy(1); err != nil {
				return
			}
			lowPrios = append(lowPrios, tc.Priority())
		}
		_ = m.Unlock(tc)
		park(tc)
	})
	spawn(t, k, "high", 3, func(tc *TaskContext) {
		if err := tc.Delay(1); err != nil {
			return
		}
		lockErr = m.Lock(tc, 2)
		park(tc)
	})

	runFor(t, k, 8)
	if !errors.Is(lockErr, ErrTimeout) {
		t.Fatalf("high Lock = %v, want ErrTimeout", lockErr)
	}
	// boosted while high waits from tick 1 to its timeout at tick 3
	want := []int{3, 3, 1, 1, 1, 1}
	if fmt.Sprint(lowPrios) != fmt.Sprint(want) {
		t.Fatalf("low priorities = %v, want %v", lowPrios, want)
	}
}

func TestMutex_HighestPriorityWaiterFirst(t *testing.T) {
	k := newTestKernel(t, nil)
	m := newMutex(t, k, false)

	var order []string
	spawn(t, k, "owner", 5, func(tc *TaskContext) {
		if err := m.Lock(tc, Forever); err != nil {
			return
		}
		if err := tc.Delay(5); err != nil {
			return
		}
		_ = m.Unlock(tc)
		park(tc)
	})
	// waiters arrive lowest priority first
	waiter := func(name string, arrive Tick) TaskFunc {
		return func(tc *TaskContext) {
			if err := tc.Delay(arrive); err != nil {
				return
			}
			if err := m.Lock(tc, Forever); err != nil {
				return
			}
			order = append(order, name)
			_ = m.Unlock(tc)
			park(tc)
		}
	}
	spawn(t, k, "w1", 1, waiter("w1", 1))
	spawn(t, k, "w2", 2, waiter("w2", 2))
	spawn(t, k, "w3", 3, waiter("w3", 3))

	runFor(t, k, 7)
	if want := []string{"w3", "w2", "w1"}; !equalStrings(order, want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestMutex_Recursive(t *testing.T) {
	k := newTestKernel(t, nil)
	m := newMutex(t, k, true)

	var (
		errs   []error
		holder []bool
	)
	h := spawn(t, k, "nester", 1, func(tc *TaskContext) {
		for i := 0; i < 3; i++ {
			errs = append(errs, m.Lock(tc, NoWait))
		}
		for i := 0; i < 3; i++ {
			errs = append(errs, m.Unlock(tc))
			_, held := m.Holder()
			holder = append(holder, held)
		}
		if err := m.Unlock(tc); !errors.Is(err, ErrWrongOwner) {
			t.Errorf("extra Unlock = %v, want ErrWrongOwner", err)
		}
		park(tc)
	})

	runFor(t, k, 1)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
	if fmt.Sprint(holder) != "[true true false]" {
		t.Fatalf("held after each unlock = %v, want [true true false]", holder)
	}
	if _, held := m.Holder(); held {
		t.Fatalf("mutex still held by %v", h)
	}
}

func TestMutex_NonRecursiveRelock(t *testing.T) {
	k := newTestKernel(t, nil)
	m := newMutex(t, k, false)

	var err error
	spawn(t, k, "twice", 1, func(tc *TaskContext) {
		if err = m.Lock(tc, NoWait); err != nil {
			return
		}
		err = m.Lock(tc, Forever)
		park(tc)
	})

	runFor(t, k, 1)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("second Lock = %v, want ErrInvalidArgument", err)
	}
}

func TestMutex_WrongOwnerAndNoWait(t *testing.T) {
	k := newTestKernel(t, nil)
	m := newMutex(t, k, false)

	var unlockErr, lockErr error
	owner := spawn(t, k, "owner", 2, func(tc *TaskContext) {
		_ = m.Lock(tc, Forever)
		park(tc)
	})
	spawn(t, k, "other", 1, func(tc *TaskContext) {
		unlockErr = m.Unlock(tc)
		lockErr = m.Lock(tc, NoWait)
		park(tc)
	})

	runFor(t, k, 1)
	if !errors.Is(unlockErr, ErrWrongOwner) {
		t.Fatalf("Unlock by non-owner = %v, want ErrWrongOwner", unlockErr)
	}
	if !errors.Is(lockErr, ErrTimeout) {
		t.Fatalf("Lock(NoWait) on held mutex = %v, want ErrTimeout", lockErr)
	}
	if got, held := m.Holder(); !held || got != owner {
		t.Fatalf("Holder = %v, %v; want %v", got, held, owner)
	}
}

func TestMutex_DeletedOwnerHandsOver(t *testing.T) {
	k := newTestKernel(t, nil)
	m := newMutex(t, k, false)

	owner := spawn(t, k, "owner", 2, func(tc *TaskContext) {
		_ = m.Lock(tc, Forever)
		park(tc)
	})
	var lockErr = errors.New("not run")
	waiter := spawn(t, k, "waiter", 1, func(tc *TaskContext) {
		lockErr = m.Lock(tc, Forever)
		park(tc)
	})

	runFor(t, k, 1)
	if err := k.DeleteTask(owner); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	runFor(t, k, 1)
	if lockErr != nil {
		t.Fatalf("waiter Lock = %v, want nil", lockErr)
	}
	if got, held := m.Holder(); !held || got != waiter {
		t.Fatalf("Holder = %v, %v; want %v", got, held, waiter)
	}
}

func TestMutex_InheritanceFollowsChain(t *testing.T) {
	k := newTestKernel(t, nil)
	m1 := newMutex(t, k, false)
	m2 := newMutex(t, k, false)

	var lowPrios []int
	spawn(t, k, "high", 3, func(tc *TaskContext) {
		if err := tc.Delay(2); err != nil {
			return
		}
		if err := m2.Lock(tc, Forever); err != nil {
			t.Errorf("high Lock: %v", err)
			return
		}
		_ = m2.Unlock(tc)
		park(tc)
	})
	spawn(t, k, "mid", 2, func(tc *TaskContext) {
		_ = m2.Lock(tc, NoWait)
		if err := tc.Delay(1); err != nil {
			return
		}
		if err := m1.Lock(tc, Forever); err != nil {
			t.Errorf("mid Lock: %v", err)
			return
		}
		_ = m2.Unlock(tc)
		_ = m1.Unlock(tc)
		park(tc)
	})
	spawn(t, k, "low", 1, func(tc *TaskContext) {
		_ = m1.Lock(tc, NoWait)
		for i := 0; i < 3; i++ {
			if err := tc.Busy(1); err != nil {
				return
			}
			lowPrios = append(lowPrios, tc.Priority())
		}
		_ = m1.Unlock(tc)
		lowPrios = append(lowPrios, tc.Priority())
		park(tc)
	})

	runFor(t, k, 6)
	if fmt.Sprint(lowPrios) != "[2 3 3 1]" {
		t.Fatalf("low priorities = %v, want [2 3 3 1]", lowPrios)
	}
}
