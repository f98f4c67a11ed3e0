package sched

import (
	"os"
	"time"

	yaml "github.com/goccy/go-yaml"
)

// Config mirrors config.yml.
type Config struct {
	TickMS            int  `yaml:"tick_ms"`             // 10 (by default), length of one tick
	SliceTicks        int  `yaml:"slice_ticks"`         // 1 (by default), ticks before an equal-priority task gets the CPU
	Realtime          bool `yaml:"realtime"`            // pace ticks against the wall clock
	MaxPriorities     int  `yaml:"max_priorities"`      // 25 (by default), priorities are 0..MaxPriorities-1
	MaxTasks          int  `yaml:"max_tasks"`           // task arena size
	MaxObjects        int  `yaml:"max_objects"`         // primitive arena size
	HeapBytes         int  `yaml:"heap_bytes"`          // budget for dynamic allocation
	MinimalStack      int  `yaml:"minimal_stack"`       // smallest accepted stack, in bytes
	UseTimers         bool `yaml:"use_timers"`          // start the timer service task
	TimerTaskPriority int  `yaml:"timer_task_priority"` // priority of the timer service task
	TimerTaskStack    int  `yaml:"timer_task_stack"`    // stack of the timer service task
	TimerQueueLength  int  `yaml:"timer_queue_length"`  // depth of the timer command queue
}

// DefaultConfig returns the values used when no config file is given.
func DefaultConfig() Config {
	return Config{
		TickMS:            10,
		SliceTicks:        1,
		MaxPriorities:     25,
		MaxTasks:          64,
		MaxObjects:        256,
		HeapBytes:         256 * 1024,
		MinimalStack:      768,
		UseTimers:         true,
		TimerTaskPriority: 1,
		TimerTaskStack:    2048,
		TimerQueueLength:  10,
	}
}

// Load reads YAML and overrides defaults; empty path = defaults only.
func Load(path string) Config {
	cfg := DefaultConfig()

	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	_ = yaml.Unmarshal(data, &cfg)
	return cfg.normalized()
}

// normalized applies the sanity clamps.
func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.TickMS <= 0 {
		c.TickMS = def.TickMS
	}
	if c.SliceTicks <= 0 {
		c.SliceTicks = def.SliceTicks
	}
	if c.MaxPriorities <= 1 {
		c.MaxPriorities = def.MaxPriorities
	}
	if c.MaxTasks <= 0 {
		c.MaxTasks = def.MaxTasks
	}
	if c.MaxObjects <= 0 {
		c.MaxObjects = def.MaxObjects
	}
	if c.HeapBytes <= 0 {
		c.HeapBytes = def.HeapBytes
	}
	if c.MinimalStack <= 0 {
		c.MinimalStack = def.MinimalStack
	}
	if c.TimerTaskPriority < 0 {
		c.TimerTaskPriority = 0
	} else if c.TimerTaskPriority >= c.MaxPriorities {
		c.TimerTaskPriority = c.MaxPriorities - 1
	}
	if c.TimerTaskStack < c.MinimalStack {
		c.TimerTaskStack = c.MinimalStack
	}
	if c.TimerQueueLength <= 0 {
		c.TimerQueueLength = def.TimerQueueLength
	}
	return c
}

// TickDuration is the wall-clock length of one tick.
func (c Config) TickDuration() time.Duration {
	return time.Duration(c.TickMS) * time.Millisecond
}

// MsToTicks converts milliseconds to ticks, rounding down.
func (c Config) MsToTicks(ms int) Tick {
	if ms <= 0 {
		return 0
	}
	tickMS := c.TickMS
	if tickMS <= 0 {
		tickMS = DefaultConfig().TickMS
	}
	return Tick(ms / tickMS)
}
