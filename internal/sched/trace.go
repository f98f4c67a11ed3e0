// internal/sched/trace.go

package sched

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ConsoleSink prints a human-readable line per event.
type ConsoleSink struct {
	w io.Writer
}

// NewConsoleSink creates a sink writing to w.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{w: w}
}

func (c *ConsoleSink) HandleEvent(ev StatusEvent) {
	// tick and idle events occur periodically,
	// skip them for the brevity of output.
	if ev.Kind == StatusTick || ev.Kind == StatusIdle {
		return
	}

	// an auxiliary function to center the event kind in the output
	center := func(str string, width int) string {
		spaces := (width - len(str)) / 2
		if spaces < 0 {
			return str
		}
		return strings.Repeat(" ", spaces) + str + strings.Repeat(" ", width-(spaces+len(str)))
	}

	fmt.Fprintf(c.w, "%s = Tick: %07d [%s] => Task: %-16s prio=%02d, Total ran: %04d ticks\n",
		ev.Time.Format("Jan 02 15:04:05.000"),
		ev.Tick,
		center(ev.Kind.String(), 16),
		ev.Task,
		ev.Priority,
		ev.RanTicks,
	)
}

// CSVSink appends one record per event to a CSV file.
type CSVSink struct {
	f *os.File
	w *csv.Writer
}

// NewCSVSink creates the file at path and writes the header.
func NewCSVSink(path string) (*CSVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)

	// write header
	if err := w.Write([]string{"timestamp", "tick", "event", "task_id", "task", "priority", "ran_ticks"}); err != nil {
		f.Close()
		return nil, err
	}
	w.Flush()
	return &CSVSink{f: f, w: w}, nil
}

func (s *CSVSink) HandleEvent(ev StatusEvent) {
	if ev.Kind == StatusTick {
		return
	}
	rec := []string{
		ev.Time.Format(time.RFC3339Nano),
		strconv.FormatUint(uint64(ev.Tick), 10),
		ev.Kind.String(),
		ev.TaskID.String(),
		ev.Task,
		strconv.Itoa(ev.Priority),
		strconv.FormatInt(ev.RanTicks, 10),
	}
	s.w.Write(rec)
	s.w.Flush()
}

// Close flushes and closes the file.
func (s *CSVSink) Close() error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// Recorder keeps events in memory, optionally only some kinds.
type Recorder struct {
	mu     sync.Mutex
	kinds  map[StatusKind]bool
	events []StatusEvent
}

// NewRecorder records the given kinds, or every kind when none are given.
func NewRecorder(kinds ...StatusKind) *Recorder {
	r := &Recorder{}
	if len(kinds) > 0 {
		r.kinds = make(map[StatusKind]bool, len(kinds))
		for _, k := range kinds {
			r.kinds[k] = true
		}
	}
	return r
}

func (r *Recorder) HandleEvent(ev StatusEvent) {
	if r.kinds != nil && !r.kinds[ev.Kind] {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of what was recorded.
func (r *Recorder) Events() []StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StatusEvent(nil), r.events...)
}

// Tasks returns the task name of every recorded event, in order.
func (r *Recorder) Tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Task
	}
	return out
}
