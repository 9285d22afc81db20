package ivm

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cryguy/ivm/internal/core"
	"github.com/cryguy/ivm/internal/eventloop"
)

// frame records one agent task in a chain of blocking calls. A HostFunc
// that calls into another agent passes its context along, so the callee can
// tell which agents are blocked waiting on it.
type frame struct {
	agent  *Agent
	task   *eventloop.Task
	parent *frame
	realm  *Realm // realm whose code invoked the current host function
}

type frameKey struct{}

func callerFrame(ctx context.Context) *frame {
	f, _ := ctx.Value(frameKey{}).(*frame)
	return f
}

// activeFrame is callerFrame ignoring a chain whose innermost call has
// already returned, as happens when a context outlives its host function.
func activeFrame(ctx context.Context) *frame {
	f := callerFrame(ctx)
	if f == nil {
		return nil
	}
	select {
	case <-f.task.Done():
		return nil
	default:
		return f
	}
}

// holds reports whether a is blocked somewhere in the chain.
func (f *frame) holds(a *Agent) bool {
	for ; f != nil; f = f.parent {
		if f.agent == a {
			return true
		}
	}
	return false
}

// detach returns a context that keeps ctx's values but neither its
// cancellation nor the call chain. Used for work that outlives the call
// that started it.
func detach(ctx context.Context) context.Context {
	return context.WithValue(context.WithoutCancel(ctx), frameKey{}, (*frame)(nil))
}

// CallerRealm returns the realm whose code called the running HostFunc, or
// nil when ctx does not come from a host function call.
func CallerRealm(ctx context.Context) *Realm {
	if f := callerFrame(ctx); f != nil {
		return f.realm
	}
	return nil
}

// exec runs fn on the agent's goroutine and waits for it.
//
// A call made from a task already running on this agent executes inline. A
// call from a chain in which this agent is blocked further up goes to the
// nested queue, which the blocked task keeps serving; anything else goes to
// the main queue. While waiting, a caller that is itself an agent task
// serves its own nested queue so that calls back into it make progress.
func (a *Agent) exec(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if a.Disposed() {
		return a.disposedErr()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = a.opts.DefaultTimeout
	}

	caller := activeFrame(ctx)
	inline := caller != nil && caller.agent == a
	nested := !inline && caller.holds(a)
	posted := !inline && !nested

	var (
		err      error
		finished bool
	)
	f := &frame{agent: a, parent: caller}
	task := eventloop.NewTask(func() {
		inner := context.WithValue(ctx, frameKey{}, f)
		a.pushCtx(inner)
		defer a.popCtx()
		err = fn(inner)
		if err == nil && posted {
			err = a.runMicrotasks()
		}
		finished = true
	})
	f.task = task

	var timedOut atomic.Bool
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			timedOut.Store(true)
			a.loop.Interrupt(task)
		})
		defer timer.Stop()
	}
	defer context.AfterFunc(ctx, func() { a.loop.Interrupt(task) })()

	switch {
	case inline:
		a.loop.Execute(task)
	case nested:
		if !a.loop.PostNested(task) {
			return a.disposedErr()
		}
		a.wait(caller, task)
	default:
		if !a.loop.Post(task) {
			return a.disposedErr()
		}
		a.wait(caller, task)
	}

	if !finished {
		switch {
		case a.catastrophe.Load() != nil:
			return a.disposedErr()
		case task.Started():
			// The task panicked without taking the engine down.
			return a.disposedErr()
		}
		return a.interruptErr(ctx, &timedOut)
	}
	if err != nil && errors.Is(err, core.ErrInterrupted) {
		return a.interruptErr(ctx, &timedOut)
	}
	return err
}

// wait blocks until task is done. When the caller is itself an agent task,
// its nested queue is served meanwhile, and an interrupt of the caller is
// forwarded to task.
func (a *Agent) wait(caller *frame, task *eventloop.Task) {
	if caller == nil {
		<-task.Done()
		return
	}
	stop := make(chan struct{})
	go func() {
		defer close(stop)
		select {
		case <-task.Done():
			return
		case <-caller.task.Stopped():
			a.loop.Interrupt(task)
		}
		<-task.Done()
	}()
	caller.agent.loop.ServeNested(stop)
	<-stop
}

// interruptErr explains why a task was interrupted.
func (a *Agent) interruptErr(ctx context.Context, timedOut *atomic.Bool) error {
	switch {
	case timedOut.Load():
		if a.opts.Metrics != nil {
			a.opts.Metrics.IncTimeout()
		}
		a.log.Warn("execution timed out")
		return ErrTimeout
	case a.Disposed():
		return a.disposedErr()
	case ctx.Err() != nil:
		return ctx.Err()
	}
	// An outer call in the chain was interrupted; keep unwinding.
	return core.ErrInterrupted
}

func (a *Agent) runMicrotasks() error {
	for _, r := range a.liveRealms() {
		if r.released.Load() {
			continue
		}
		if err := r.ctx.RunMicrotasks(); err != nil {
			return err
		}
	}
	return nil
}
