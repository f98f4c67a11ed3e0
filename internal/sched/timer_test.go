package sched

import (
	"errors"
	"fmt"
	"testing"
)

func withTimers(c *Config) { c.UseTimers = true }

func newTestTimer(t *testing.T, k *Kernel, period Tick, autoReload bool, fired *[]Tick) Timer {
	t.Helper()
	tm, err := k.NewTimer(TimerSpec{
		Name:       "tmr",
		Period:     period,
		AutoReload: autoReload,
		Callback: func(tc *TaskContext, _ Timer) {
			*fired = append(*fired, tc.TickCount())
		},
	})
	if err != nil {
		t.Fatalf("NewTimer failed: %v", err)
	}
	return tm
}

func TestTimer_OneShot(t *testing.T) {
	k := newTestKernel(t, withTimers)

	var fired []Tick
	tm := newTestTimer(t, k, 5, false, &fired)
	if err := tm.Start(nil, NoWait); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	runFor(t, k, 10)
	if fmt.Sprint(fired) != "[5]" {
		t.Fatalf("fired at %v, want [5]", fired)
	}
	if tm.IsActive() {
		t.Fatal("one-shot timer still active after firing")
	}
}

func TestTimer_AutoReload(t *testing.T) {
	k := newTestKernel(t, withTimers)

	var fired []Tick
	tm := newTestTimer(t, k, 3, true, &fired)
	if err := tm.Start(nil, NoWait); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	runFor(t, k, 10)
	if fmt.Sprint(fired) != "[3 6 9]" {
		t.Fatalf("fired at %v, want [3 6 9]", fired)
	}
	if at, active := tm.ExpiryTime(); !active || at != 12 {
		t.Fatalf("ExpiryTime = %d, %v; want 12, true", at, active)
	}
}

func TestTimer_StopFromTask(t *testing.T) {
	k := newTestKernel(t, withTimers)

	var fired []Tick
	tm := newTestTimer(t, k, 2, true, &fired)
	if err := tm.Start(nil, NoWait); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	spawn(t, k, "stopper", 2, func(tc *TaskContext) {
		if err := tc.Delay(5); err != nil {
			return
		}
		if err := tm.Stop(tc, NoWait); err != nil {
			t.Errorf("Stop: %v", err)
		}
		park(tc)
	})

	runFor(t, k, 10)
	if fmt.Sprint(fired) != "[2 4]" {
		t.Fatalf("fired at %v, want [2 4]", fired)
	}
	if tm.IsActive() {
		t.Fatal("stopped timer still active")
	}
}

func TestTimer_ChangePeriod(t *testing.T) {
	k := newTestKernel(t, withTimers)

	var fired []Tick
	tm := newTestTimer(t, k, 10, false, &fired)
	if err := tm.Start(nil, NoWait); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	spawn(t, k, "changer", 2, func(tc *TaskContext) {
		if err := tc.Delay(2); err != nil {
			return
		}
		if err := tm.ChangePeriod(tc, 3, NoWait); err != nil {
			t.Errorf("ChangePeriod: %v", err)
		}
		park(tc)
	})

	runFor(t, k, 12)
	if fmt.Sprint(fired) != "[5]" {
		t.Fatalf("fired at %v, want [5]", fired)
	}
	if p := tm.Period(); p != 3 {
		t.Fatalf("period = %d, want 3", p)
	}
	if err := tm.ChangePeriod(nil, 0, NoWait); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("ChangePeriod(0) = %v, want ErrInvalidArgument", err)
	}
}

func TestTimer_FromISR(t *testing.T) {
	k := newTestKernel(t, withTimers)

	var fired []Tick
	tm := newTestTimer(t, k, 2, false, &fired)
	if err := k.AttachInterrupt(4, func(isr *ISR) {
		if !tm.IsActive() {
			_, _ = tm.StartFromISR(isr)
		}
	}); err != nil {
		t.Fatalf("AttachInterrupt failed: %v", err)
	}

	runFor(t, k, 7)
	if fmt.Sprint(fired) != "[6]" {
		t.Fatalf("fired at %v, want [6]", fired)
	}
}

func TestTimer_IdentityAndValidation(t *testing.T) {
	k := newTestKernel(t, withTimers)

	noop := func(*TaskContext, Timer) {}
	tm, err := k.NewTimer(TimerSpec{Name: "blink", Period: 4, ID: 1, Callback: noop})
	if err != nil {
		t.Fatalf("NewTimer failed: %v", err)
	}
	if tm.Name() != "blink" || tm.ID() != 1 {
		t.Fatalf("Name/ID = %q/%v, want blink/1", tm.Name(), tm.ID())
	}
	tm.SetID("two")
	if tm.ID() != "two" {
		t.Fatalf("ID after SetID = %v, want two", tm.ID())
	}

	bad := []TimerSpec{
		{Name: "zero", Period: 0, Callback: noop},
		{Name: "forever", Period: Forever, Callback: noop},
		{Name: "nocb", Period: 1},
	}
	for _, spec := range bad {
		if _, err := k.NewTimer(spec); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("NewTimer(%s) = %v, want ErrInvalidArgument", spec.Name, err)
		}
	}

	h, ok := k.TimerServiceTask()
	if !ok {
		t.Fatal("TimerServiceTask not reported with timers enabled")
	}
	if info, err := k.TaskInfo(h); err != nil || info.Name != TimerTaskName {
		t.Fatalf("timer task info = %+v, %v", info, err)
	}
}

func TestTimer_Disabled(t *testing.T) {
	k := newTestKernel(t, nil)

	if _, err := k.NewTimer(TimerSpec{Period: 1, Callback: func(*TaskContext, Timer) {}}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("NewTimer without the service = %v, want ErrInvalidArgument", err)
	}
	if err := k.PendFunctionCall(nil, func(*TaskContext) {}, NoWait); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("PendFunctionCall without the service = %v, want ErrInvalidArgument", err)
	}
	if _, ok := k.TimerServiceTask(); ok {
		t.Fatal("TimerServiceTask reported with timers disabled")
	}
}

func TestTimer_PendFunctionCall(t *testing.T) {
	k := newTestKernel(t, withTimers)

	var ranOn []string
	record := func(tc *TaskContext) { ranOn = append(ranOn, tc.Name()) }
	if err := k.PendFunctionCall(nil, record, NoWait); err != nil {
		t.Fatalf("PendFunctionCall failed: %v", err)
	}
	k.RaiseInterrupt(func(isr *ISR) { _, _ = isr.PendFunctionCall(record) })

	runFor(t, k, 2)
	if want := []string{TimerTaskName, TimerTaskName}; !equalStrings(ranOn, want) {
		t.Fatalf("pended calls ran on %v, want %v", ranOn, want)
	}
}
