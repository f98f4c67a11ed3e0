package demo

import (
	"context"
	"strings"
	"sync"
	"testing"

	"vrtos/internal/sched"
)

// captureLogger keeps every message so tests can look for them.
type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureLogger) add(msg string) {
	c.mu.Lock()
	c.lines = append(c.lines, msg)
	c.mu.Unlock()
}

func (c *captureLogger) Debug(msg string, fields ...sched.Field) {}
func (c *captureLogger) Info(msg string, fields ...sched.Field)  { c.add(msg) }
func (c *captureLogger) Warn(msg string, fields ...sched.Field)  { c.add(msg) }
func (c *captureLogger) Error(msg string, fields ...sched.Field) { c.add("ERROR " + msg) }

func (c *captureLogger) has(sub string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

func (c *captureLogger) errors() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, l := range c.lines {
		if strings.HasPrefix(l, "ERROR ") {
			out = append(out, l)
		}
	}
	return out
}

func runScenario(t *testing.T, name string, ticks sched.Tick) *captureLogger {
	t.Helper()
	s, ok := Get(name)
	if !ok {
		t.Fatalf("scenario %q not registered", name)
	}

	log := &captureLogger{}
	opts := []sched.Option{sched.WithLogger(sched.NewNoOpLogger())}
	if s.Options != nil {
		opts = append(opts, s.Options(log)...)
	}
	k, err := sched.New(sched.DefaultConfig(), opts...)
	if err != nil {
		t.Fatalf("sched.New failed: %v", err)
	}
	t.Cleanup(k.Close)

	if err := s.Setup(k, log); err != nil {
		t.Fatalf("Setup(%s) failed: %v", name, err)
	}
	if err := k.RunFor(context.Background(), ticks); err != nil {
		t.Fatalf("RunFor failed: %v", err)
	}
	return log
}

func TestScenarios(t *testing.T) {
	tests := []struct {
		name string
		want []string
	}{
		{"basic", []string{"Task1: LED ON", "Task2: LED OFF"}},
		{"intermediate", []string{"Button pressed! Toggling LED.", "button_task: LED ON"}},
		{"event-group", []string{"Timer: LED ON", "Task1: Detected LED toggle event", "Task2: Detected LED toggle event"}},
		{"idle-hook", []string{"Idle hook: running in background"}},
		{"dynamic-task", []string{"creator_task: creating temporary task", "temporary_task: deleting itself"}},
		{"mutex", []string{"Task 1: Printing safely with mutex!", "Task 2: Printing safely with mutex!"}},
		{"recursive-mutex", []string{"rec_mutex_task: locked recursively", "deep_function: locked recursively", "blocked_task: got recursive mutex"}},
		{"semaphore", []string{"ISR Simulator: Gave binary semaphore", "bin_sem_task: Got binary semaphore!", "count_sem_task: Released resource"}},
		{"priority-inheritance", []string{"low_task: holding mutex", "medium_task: running", "high_task: got mutex!"}},
		{"queue-set", []string{"sender_task1: sent", "sender_task2: sent", "queue_set_receiver: got value"}},
		{"stream-buffer", []string{"stream_receiver: got 'Hello'", "stream_receiver: got 'FreeRTOS'"}},
		{"message-buffer", []string{"msg_receiver: got 'Msg1'", "msg_receiver: got 'Msg2: Hello'"}},
		{"task-notify", []string{"notifier_task: sent notification", "notified_task: got notification"}},
		{"cpu-load", []string{"monitor: spinner_a ran", "monitor: spinner_b ran", "monitor: spawned sleeper"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := runScenario(t, tt.name, 400)
			for _, w := range tt.want {
				if !log.has(w) {
					t.Errorf("missing log line containing %q", w)
				}
			}
			if errs := log.errors(); len(errs) > 0 {
				t.Errorf("unexpected errors: %v", errs)
			}
		})
	}
}

func TestList_CoversRegistry(t *testing.T) {
	list := List()
	if len(list) != len(registry) {
		t.Fatalf("List() = %d scenarios, want %d", len(list), len(registry))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Name >= list[i].Name {
			t.Fatalf("List() not sorted: %q before %q", list[i-1].Name, list[i].Name)
		}
	}
	if _, ok := Get("no-such-demo"); ok {
		t.Fatal("Get returned a scenario for an unknown name")
	}
}
