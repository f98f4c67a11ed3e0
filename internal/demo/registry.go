// Package demo holds small applications that exercise the kernel: blinking
// tasks, producer/consumer pairs, and one scenario per primitive.
package demo

import (
	"fmt"
	"sort"

	"vrtos/internal/sched"
)

// Scenario is one runnable demo.
type Scenario struct {
	Name        string
	Description string

	// Options returns extra kernel options, such as an idle hook.
	Options func(log sched.Logger) []sched.Option

	// Setup creates the scenario's tasks and objects before the scheduler
	// starts.
	Setup func(k *sched.Kernel, log sched.Logger) error
}

var registry = map[string]Scenario{}

func register(s Scenario) {
	if _, dup := registry[s.Name]; dup {
		panic(fmt.Sprintf("demo: scenario %q registered twice", s.Name))
	}
	registry[s.Name] = s
}

// Get returns the scenario with the given name.
func Get(name string) (Scenario, bool) {
	s, ok := registry[name]
	return s, ok
}

// List returns every scenario sorted by name.
func List() []Scenario {
	out := make([]Scenario, 0, len(registry))
	for _, s := range registry {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// led stands in for the board LED; state changes go to the log.
type led struct {
	log   sched.Logger
	on    bool
	owner string
}

func (l *led) set(tc *sched.TaskContext, on bool) {
	l.on = on
	state := "OFF"
	if on {
		state = "ON"
	}
	l.log.Info(l.owner+": LED "+state, sched.F("tick", tc.TickCount()))
}

func (l *led) toggle(tc *sched.TaskContext) { l.set(tc, !l.on) }

func spawn(k *sched.Kernel, name string, prio int, fn sched.TaskFunc) (sched.TaskHandle, error) {
	h, err := k.CreateTask(sched.TaskSpec{
		Name:       name,
		Entry:      fn,
		Priority:   prio,
		StackDepth: 2048,
	})
	if err != nil {
		return sched.TaskHandle{}, fmt.Errorf("create %s: %w", name, err)
	}
	return h, nil
}

// ms converts milliseconds with the kernel's tick length, never below one
// tick.
func ms(k *sched.Kernel, n int) sched.Tick {
	t := k.MsToTicks(n)
	if t == 0 {
		return 1
	}
	return t
}
