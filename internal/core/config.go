package core

import "time"

// IsolateOptions holds the per-isolate engine configuration.
type IsolateOptions struct {
	MemoryLimitMB    int                // heap ceiling, 0 = engine default
	MaxCallStackSize int                // 0 = engine default
	Now              func() time.Time   // clock behind Date, nil = host clock
	Random           func() float64     // source behind Math.random, nil = engine default
}
