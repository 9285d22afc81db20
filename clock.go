package ivm

import (
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// ClockMode selects how Date.now() advances inside an agent.
type ClockMode int

const (
	// ClockSystem follows the host wall clock.
	ClockSystem ClockMode = iota
	// ClockRealtime starts at Epoch and advances with the host's monotonic
	// clock.
	ClockRealtime
	// ClockDeterministic returns Epoch on the first read and adds Interval
	// on every subsequent read.
	ClockDeterministic
	// ClockMicrotask behaves like ClockRealtime but only advances between
	// agent tasks; all reads inside one task observe the same instant.
	// A zero Epoch starts at the host time of agent creation.
	ClockMicrotask
)

func (m ClockMode) String() string {
	switch m {
	case ClockSystem:
		return "system"
	case ClockRealtime:
		return "realtime"
	case ClockDeterministic:
		return "deterministic"
	case ClockMicrotask:
		return "microtask"
	}
	return "unknown"
}

// ClockOptions configures an agent clock.
type ClockOptions struct {
	Mode     ClockMode
	Epoch    time.Time
	Interval time.Duration
}

type clock struct {
	opts   ClockOptions
	start  time.Time
	reads  atomic.Int64
	frozen atomic.Int64 // unix nanoseconds, microtask mode
}

func newClock(opts ClockOptions) *clock {
	c := &clock{opts: opts, start: time.Now()}
	if opts.Mode == ClockMicrotask && opts.Epoch.IsZero() {
		c.opts.Epoch = c.start
	}
	c.tick()
	return c
}

// tick runs before every agent task.
func (c *clock) tick() {
	if c.opts.Mode == ClockMicrotask {
		c.frozen.Store(c.opts.Epoch.Add(time.Since(c.start)).UnixNano())
	}
}

func (c *clock) now() time.Time {
	switch c.opts.Mode {
	case ClockRealtime:
		return c.opts.Epoch.Add(time.Since(c.start))
	case ClockDeterministic:
		n := c.reads.Add(1) - 1
		return c.opts.Epoch.Add(time.Duration(n) * c.opts.Interval)
	case ClockMicrotask:
		return time.Unix(0, c.frozen.Load())
	}
	return time.Now()
}

// newRandom returns a seeded Math.random source, or nil to keep the
// engine's own generator.
func newRandom(seed *uint64) func() float64 {
	if seed == nil {
		return nil
	}
	r := rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15))
	return r.Float64
}
