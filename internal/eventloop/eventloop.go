package eventloop

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type taskState int

const (
	taskQueued taskState = iota
	taskRunning
	taskFinished
)

// Task is a unit of work executed on the loop goroutine. The loop runs the
// function at most once; a task cancelled before it starts is skipped.
type Task struct {
	fn         func()
	terminated bool // guarded by Loop.mu

	mu    sync.Mutex
	state taskState
	done  chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

// NewTask wraps fn.
func NewTask(fn func()) *Task {
	return &Task{fn: fn, done: make(chan struct{}), stop: make(chan struct{})}
}

// Cancel asks the task to stop. A task that has not started never will.
func (t *Task) Cancel() {
	t.stopOnce.Do(func() { close(t.stop) })
	t.mu.Lock()
	if t.state != taskQueued {
		t.mu.Unlock()
		return
	}
	t.state = taskFinished
	t.mu.Unlock()
	close(t.done)
}

// Stopped is closed once the task has been cancelled or interrupted. Code
// blocked inside the task selects on it to give up early.
func (t *Task) Stopped() <-chan struct{} { return t.stop }

// Done is closed when the function has returned, or when the task was
// cancelled before it could start.
func (t *Task) Done() <-chan struct{} { return t.done }

// Started reports whether the function was entered. Only meaningful after
// Done is closed.
func (t *Task) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == taskRunning
}

func (t *Task) begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != taskQueued {
		return false
	}
	t.state = taskRunning
	return true
}

// finish closes done for a task that ran. state stays taskRunning so that
// Started can tell it apart from a skipped task.
func (t *Task) finish() {
	close(t.done)
}

// Hooks let the owner observe task execution. All hooks except Terminate
// run on the loop goroutine.
type Hooks struct {
	// Start runs once on the loop goroutine before any task.
	Start func()
	// BeforeTask runs before each top-level task.
	BeforeTask func()
	// AfterTask runs after each top-level task with its wall duration.
	AfterTask func(elapsed time.Duration)
	// Terminate aborts the JavaScript currently executing. Called from any
	// goroutine, always while Loop.mu is held.
	Terminate func()
	// ResetTermination re-arms the engine after an interrupted task.
	ResetTermination func()
	// Panic receives values recovered from a task. The loop stops afterwards.
	Panic func(v any)
	// Shutdown runs on the loop goroutine after the last task.
	Shutdown func()
}

// Loop serializes all work for one engine isolate onto a single goroutine,
// which is locked to its OS thread for the lifetime of the loop.
//
// Two queues exist: the main queue, and the nested queue used while a task
// on this loop is blocked waiting for another loop that calls back into this
// one. Nested tasks are always preferred.
type Loop struct {
	hooks Hooks

	qmu     sync.Mutex
	main    []*Task
	nested  []*Task
	closed  bool
	closing atomic.Bool

	notifyMain   chan struct{}
	notifyNested chan struct{}

	mu      sync.Mutex
	running []*Task

	done chan struct{}
}

// New creates a loop. Call Run on a dedicated goroutine to start it.
func New(hooks Hooks) *Loop {
	return &Loop{
		hooks:        hooks,
		notifyMain:   make(chan struct{}, 1),
		notifyNested: make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Post enqueues t on the main queue. It reports false when the loop is
// closed.
func (l *Loop) Post(t *Task) bool {
	return l.enqueue(t, false)
}

// PostNested enqueues t on the nested queue.
func (l *Loop) PostNested(t *Task) bool {
	return l.enqueue(t, true)
}

func (l *Loop) enqueue(t *Task, nested bool) bool {
	l.qmu.Lock()
	if l.closed {
		l.qmu.Unlock()
		return false
	}
	ch := l.notifyMain
	if nested {
		l.nested = append(l.nested, t)
		ch = l.notifyNested
	} else {
		l.main = append(l.main, t)
	}
	l.qmu.Unlock()
	signal(ch)
	return true
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (l *Loop) next(nestedOnly bool) *Task {
	l.qmu.Lock()
	defer l.qmu.Unlock()
	if len(l.nested) > 0 {
		t := l.nested[0]
		l.nested[0] = nil
		l.nested = l.nested[1:]
		return t
	}
	if nestedOnly || len(l.main) == 0 {
		return nil
	}
	t := l.main[0]
	l.main[0] = nil
	l.main = l.main[1:]
	return t
}

// Close stops accepting tasks. Queued tasks are cancelled; the loop
// goroutine exits once the running task returns.
func (l *Loop) Close() {
	l.closing.Store(true)
	l.qmu.Lock()
	l.closed = true
	dropped := append(l.main, l.nested...)
	l.main = nil
	l.nested = nil
	l.qmu.Unlock()
	for _, t := range dropped {
		t.Cancel()
	}
	signal(l.notifyMain)
}

// Done is closed when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Run executes tasks until Close. It must be called exactly once.
func (l *Loop) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.done)
	if l.hooks.Shutdown != nil {
		defer l.hooks.Shutdown()
	}
	if l.hooks.Start != nil {
		l.hooks.Start()
	}
	for {
		t := l.next(false)
		if t == nil {
			l.qmu.Lock()
			closed := l.closed
			l.qmu.Unlock()
			if closed {
				return
			}
			select {
			case <-l.notifyMain:
			case <-l.notifyNested:
			}
			continue
		}
		if !l.Execute(t) {
			return
		}
	}
}

// Execute runs t on the calling goroutine, which must be the loop goroutine.
// It is used directly for re-entrant calls made from inside a running task.
// It reports false if the task panicked.
func (l *Loop) Execute(t *Task) (ok bool) {
	l.mu.Lock()
	// Close is followed by InterruptAll; deciding under mu means a task
	// either sees the close here or is on the stack when it happens.
	if l.closing.Load() {
		l.mu.Unlock()
		t.Cancel()
		return true
	}
	if !t.begin() {
		l.mu.Unlock()
		return true
	}
	top := len(l.running) == 0
	l.running = append(l.running, t)
	l.mu.Unlock()

	start := time.Now()
	if top && l.hooks.BeforeTask != nil {
		l.hooks.BeforeTask()
	}
	defer func() {
		r := recover()
		l.mu.Lock()
		l.running = l.running[:len(l.running)-1]
		if t.terminated && !l.terminatedBelow() && l.hooks.ResetTermination != nil {
			l.hooks.ResetTermination()
		}
		l.mu.Unlock()
		if top && l.hooks.AfterTask != nil {
			l.hooks.AfterTask(time.Since(start))
		}
		if r != nil {
			ok = false
			if l.hooks.Panic != nil {
				l.hooks.Panic(r)
			}
		}
		t.finish()
	}()
	t.fn()
	return true
}

// terminatedBelow reports whether a task still on the running stack was
// terminated. Termination stays armed until it has unwound. Requires l.mu.
func (l *Loop) terminatedBelow() bool {
	for _, t := range l.running {
		if t.terminated {
			return true
		}
	}
	return false
}

// Interrupt aborts t. A task that has not started is cancelled; a running
// task is terminated together with every task nested above it.
func (l *Loop) Interrupt(t *Task) {
	t.Cancel()
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, r := range l.running {
		if r != t {
			continue
		}
		for _, above := range l.running[i:] {
			above.terminated = true
			above.Cancel()
		}
		if l.hooks.Terminate != nil {
			l.hooks.Terminate()
		}
		return
	}
}

// InterruptAll terminates whatever is executing. Used on disposal.
func (l *Loop) InterruptAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.running) == 0 {
		return
	}
	for _, t := range l.running {
		t.terminated = true
		t.Cancel()
	}
	if l.hooks.Terminate != nil {
		l.hooks.Terminate()
	}
}

// Busy reports whether a task is executing.
func (l *Loop) Busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.running) > 0
}

// ServeNested runs nested tasks on the loop goroutine until done is closed.
// A task blocked on another loop calls this so that call-backs into this loop
// can make progress instead of deadlocking.
func (l *Loop) ServeNested(done <-chan struct{}) {
	for {
		if t := l.next(true); t != nil {
			if !l.Execute(t) {
				return
			}
			continue
		}
		select {
		case <-done:
			return
		case <-l.notifyNested:
		}
	}
}
