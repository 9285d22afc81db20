package ivm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cryguy/ivm/internal/codecache"
	"github.com/cryguy/ivm/internal/core"
	"github.com/cryguy/ivm/internal/eventloop"
	"github.com/cryguy/ivm/internal/logging"
	"github.com/cryguy/ivm/internal/metrics"
)

// HeapStatistics reports the engine heap counters of an agent.
type HeapStatistics = core.HeapStatistics

// AgentOptions configures NewAgent. The zero value is usable.
type AgentOptions struct {
	Clock      ClockOptions
	RandomSeed *uint64

	// MemoryLimitMB is the heap ceiling. V8 enforces it; the pure-Go
	// engine only reports it.
	MemoryLimitMB    int
	MaxCallStackSize int

	// DefaultTimeout bounds calls that do not set their own timeout.
	// Zero means no limit.
	DefaultTimeout time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Collector

	// ModuleCache stores lowered module sources. Nil uses a process-wide
	// in-memory cache.
	ModuleCache codecache.Store

	// OnCatastrophicError is called, on its own goroutine, when the engine
	// failed in a way that cannot be recovered. The agent is disposed
	// before the call.
	OnCatastrophicError func(error)
}

// Agent is an isolated JavaScript heap with its own clock. All JavaScript of
// an agent runs on one goroutine; Agent methods are safe for concurrent use.
type Agent struct {
	id     string
	opts   AgentOptions
	log    *zap.Logger
	engine core.Engine
	iso    core.Isolate
	loop   *eventloop.Loop
	clock  *clock

	disposed    chan struct{}
	disposeOnce sync.Once
	catastrophe atomic.Pointer[error]

	mu        sync.Mutex
	realms    map[uint64]*Realm
	nextRealm uint64

	refs      atomic.Int64
	cpu       atomic.Int64
	wall      atomic.Int64
	heap      atomic.Pointer[core.HeapStatistics]
	taskStart time.Duration // loop goroutine only

	ctxStack []context.Context // loop goroutine only
}

// NewAgent starts an agent with its own isolate and loop goroutine.
func NewAgent(opts AgentOptions) (*Agent, error) {
	log := opts.Logger
	if log == nil {
		log = logging.NewDefault()
	}
	a := &Agent{
		id:       uuid.NewString(),
		opts:     opts,
		engine:   newEngine(),
		clock:    newClock(opts.Clock),
		disposed: make(chan struct{}),
		realms:   make(map[uint64]*Realm),
	}
	a.log = log.With(zap.String("agent", a.id))

	ready := make(chan error, 1)
	isoOpts := core.IsolateOptions{
		MemoryLimitMB:    opts.MemoryLimitMB,
		MaxCallStackSize: opts.MaxCallStackSize,
		Now:              a.clock.now,
		Random:           newRandom(opts.RandomSeed),
	}
	a.loop = eventloop.New(eventloop.Hooks{
		Start: func() {
			iso, err := a.engine.NewIsolate(isoOpts)
			a.iso = iso
			ready <- err
		},
		BeforeTask: func() {
			a.clock.tick()
			a.taskStart = threadCPUTime()
		},
		AfterTask: func(elapsed time.Duration) {
			a.wall.Add(int64(elapsed))
			a.cpu.Add(int64(threadCPUTime() - a.taskStart))
			if a.iso != nil {
				hs := a.iso.HeapStatistics()
				a.heap.Store(&hs)
			}
		},
		Terminate: func() {
			if a.iso != nil {
				a.iso.Terminate()
			}
		},
		ResetTermination: func() {
			if a.iso != nil {
				a.iso.ResetTermination()
			}
		},
		Panic:    a.catastrophic,
		Shutdown: a.shutdown,
	})
	go a.loop.Run()

	if err := <-ready; err != nil {
		a.loop.Close()
		return nil, fmt.Errorf("creating isolate: %w", err)
	}
	if opts.Metrics != nil {
		opts.Metrics.Track(a.id, a)
	}
	a.log.Debug("agent created",
		zap.String("engine", a.engine.Name()),
		zap.Stringer("clock", opts.Clock.Mode),
		zap.Int("memory_limit_mb", opts.MemoryLimitMB))
	return a, nil
}

// ID returns the agent's unique id, used in logs and metrics.
func (a *Agent) ID() string { return a.id }

// Engine names the JavaScript engine backing the agent.
func (a *Agent) Engine() string { return a.engine.Name() }

// Dispose terminates running JavaScript, fails queued and in-flight calls
// with ErrDisposed and frees the isolate. It is idempotent and safe to call
// concurrently, including from inside a HostFunc.
func (a *Agent) Dispose() {
	a.disposeOnce.Do(func() {
		busy := a.loop.Busy()
		close(a.disposed)
		a.loop.Close()
		a.loop.InterruptAll()

		a.mu.Lock()
		for _, r := range a.realms {
			r.markReleased()
		}
		a.mu.Unlock()

		if a.opts.Metrics != nil {
			a.opts.Metrics.Untrack(a.id)
			a.opts.Metrics.IncDisposal()
		}
		if busy {
			a.log.Warn("agent disposed with work in flight")
		} else {
			a.log.Debug("agent disposed")
		}
	})
}

// Disposed reports whether Dispose has been called.
func (a *Agent) Disposed() bool {
	select {
	case <-a.disposed:
		return true
	default:
		return false
	}
}

// Done is closed once a disposed agent has released its isolate.
func (a *Agent) Done() <-chan struct{} { return a.loop.Done() }

// disposedErr is the error reported for work on a disposed agent.
func (a *Agent) disposedErr() error {
	if c := a.catastrophe.Load(); c != nil {
		return *c
	}
	return ErrDisposed
}

func (a *Agent) catastrophic(v any) {
	err := fmt.Errorf("%w: %v", ErrCatastrophic, v)
	a.catastrophe.CompareAndSwap(nil, &err)
	a.log.Error("engine failure, disposing agent", zap.Error(err))
	go func() {
		a.Dispose()
		if a.opts.OnCatastrophicError != nil {
			a.opts.OnCatastrophicError(err)
		}
	}()
}

func (a *Agent) shutdown() {
	a.mu.Lock()
	realms := make([]*Realm, 0, len(a.realms))
	for _, r := range a.realms {
		realms = append(realms, r)
	}
	a.realms = make(map[uint64]*Realm)
	a.mu.Unlock()
	for _, r := range realms {
		r.closeContext()
	}
	if a.iso != nil {
		a.iso.Dispose()
	}
}

// HeapStatistics reads the heap counters on the agent's goroutine.
func (a *Agent) HeapStatistics(ctx context.Context) (HeapStatistics, error) {
	var hs HeapStatistics
	err := a.exec(ctx, 0, func(context.Context) error {
		hs = a.iso.HeapStatistics()
		return nil
	})
	return hs, err
}

// CPUTime is the thread CPU time spent running this agent's tasks.
func (a *Agent) CPUTime() time.Duration { return time.Duration(a.cpu.Load()) }

// WallTime is the wall time spent running this agent's tasks.
func (a *Agent) WallTime() time.Duration { return time.Duration(a.wall.Load()) }

// MetricsSnapshot implements metrics.Source.
func (a *Agent) MetricsSnapshot() metrics.AgentStats {
	s := metrics.AgentStats{
		Engine:     a.engine.Name(),
		CPUTime:    a.CPUTime(),
		WallTime:   a.WallTime(),
		References: int(a.refs.Load()),
	}
	if hs := a.heap.Load(); hs != nil {
		s.HeapUsed = hs.UsedHeapSize
		s.HeapLimit = hs.HeapSizeLimit
	}
	return s
}

// CreateRealm creates a new global environment in the agent.
func (a *Agent) CreateRealm(ctx context.Context) (*Realm, error) {
	var r *Realm
	err := a.exec(ctx, 0, func(context.Context) error {
		c, err := a.iso.NewContext()
		if err != nil {
			return fmt.Errorf("creating context: %w", err)
		}
		a.mu.Lock()
		a.nextRealm++
		r = newRealm(a, a.nextRealm, c)
		a.realms[r.id] = r
		a.mu.Unlock()
		if err := r.init(); err != nil {
			a.forgetRealm(r)
			c.Close()
			return fmt.Errorf("initializing realm: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.log.Debug("realm created", zap.Uint64("realm", r.id))
	return r, nil
}

func (a *Agent) forgetRealm(r *Realm) {
	a.mu.Lock()
	delete(a.realms, r.id)
	a.mu.Unlock()
}

func (a *Agent) liveRealms() []*Realm {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Realm, 0, len(a.realms))
	for _, r := range a.realms {
		out = append(out, r)
	}
	return out
}

func (a *Agent) pushCtx(ctx context.Context) { a.ctxStack = append(a.ctxStack, ctx) }
func (a *Agent) popCtx()                     { a.ctxStack = a.ctxStack[:len(a.ctxStack)-1] }

// currentCtx returns the context of the innermost task running on the loop.
// Must be called on the loop goroutine.
func (a *Agent) currentCtx() context.Context {
	if n := len(a.ctxStack); n > 0 {
		return a.ctxStack[n-1]
	}
	return context.Background()
}
