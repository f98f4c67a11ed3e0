package metrics

import (
	"errors"
	"fmt"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"

	"vrtos/internal/sched"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	SliceBuckets []float64
}

// Exporter turns kernel status events into Prometheus collectors.
type Exporter struct {
	eventsTotal *prom.CounterVec
	runTicks    *prom.GaugeVec
	priority    *prom.GaugeVec
	sliceTicks  *prom.HistogramVec
	currentTick prom.Gauge

	mu           sync.Mutex
	dispatchedAt map[sched.TaskHandle]int64
}

var _ sched.EventSink = (*Exporter)(nil)

// NewExporter creates and registers the collectors.
func NewExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*Exporter, error) {
	if namespace == "" {
		namespace = "vrtos"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.SliceBuckets
	if len(buckets) == 0 {
		buckets = prom.ExponentialBuckets(1, 2, 8)
	}

	eventsVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_events_total",
		Help:      "Total number of scheduler events by kind.",
	}, []string{"kind"})
	runVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "task_run_ticks",
		Help:      "Ticks of CPU time consumed by a task.",
	}, []string{"task"})
	prioVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "task_priority",
		Help:      "Effective priority of a task, inheritance included.",
	}, []string{"task"})
	sliceVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_slice_ticks",
		Help:      "Ticks a task ran between being dispatched and giving up the CPU.",
		Buckets:   buckets,
	}, []string{"task"})
	tickGauge := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "tick",
		Help:      "Current kernel tick.",
	})

	var err error
	if eventsVec, err = registerCollector(reg, eventsVec); err != nil {
		return nil, err
	}
	if runVec, err = registerCollector(reg, runVec); err != nil {
		return nil, err
	}
	if prioVec, err = registerCollector(reg, prioVec); err != nil {
		return nil, err
	}
	if sliceVec, err = registerCollector(reg, sliceVec); err != nil {
		return nil, err
	}
	if tickGauge, err = registerCollector(reg, tickGauge); err != nil {
		return nil, err
	}

	return &Exporter{
		eventsTotal:  eventsVec,
		runTicks:     runVec,
		priority:     prioVec,
		sliceTicks:   sliceVec,
		currentTick:  tickGauge,
		dispatchedAt: make(map[sched.TaskHandle]int64),
	}, nil
}

// HandleEvent records one kernel event.
func (e *Exporter) HandleEvent(ev sched.StatusEvent) {
	if e == nil {
		return
	}
	e.eventsTotal.WithLabelValues(ev.Kind.String()).Inc()
	e.currentTick.Set(float64(ev.Tick))
	if ev.Kind == sched.StatusTick || ev.Kind == sched.StatusIdle || ev.Kind == sched.StatusInterrupt || ev.Kind == sched.StatusTimerFire {
		return
	}

	task := normalizeLabel(ev.Task, "unknown")
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev.Kind {
	case sched.StatusDelete:
		e.observeSlice(ev, task)
		e.runTicks.DeleteLabelValues(task)
		e.priority.DeleteLabelValues(task)
		return
	case sched.StatusDispatch:
		e.dispatchedAt[ev.TaskID] = ev.RanTicks
	case sched.StatusPreempt, sched.StatusBlock, sched.StatusSuspend:
		e.observeSlice(ev, task)
	}
	e.runTicks.WithLabelValues(task).Set(float64(ev.RanTicks))
	e.priority.WithLabelValues(task).Set(float64(ev.Priority))
}

func (e *Exporter) observeSlice(ev sched.StatusEvent, task string) {
	start, ok := e.dispatchedAt[ev.TaskID]
	if !ok {
		return
	}
	delete(e.dispatchedAt, ev.TaskID)
	e.sliceTicks.WithLabelValues(task).Observe(float64(ev.RanTicks - start))
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
