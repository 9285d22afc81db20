package ivm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cryguy/ivm/internal/core"
	"github.com/cryguy/ivm/internal/eventloop"
)

const anonymousOrigin = "<anonymous>"

// ScriptOptions sets the origin reported in stack traces. Offsets are zero
// based and shift every reported position.
type ScriptOptions struct {
	Filename     string
	LineOffset   int
	ColumnOffset int
}

func (o ScriptOptions) origin() core.Origin {
	name := o.Filename
	if name == "" {
		name = anonymousOrigin
	}
	return core.Origin{Name: name, LineOffset: o.LineOffset, ColumnOffset: o.ColumnOffset}
}

// Script is compiled code that can run in any realm of its agent.
type Script struct {
	agent    *Agent
	origin   core.Origin
	script   core.Script
	released atomic.Bool
}

// CompileScript compiles code. A syntax error is returned as a throw
// completion, not as an error.
func (a *Agent) CompileScript(ctx context.Context, code string, opts ScriptOptions) (*Completion[*Script], error) {
	origin := opts.origin()
	var (
		compiled   core.Script
		compileErr *core.CompileError
	)
	err := a.exec(ctx, 0, func(context.Context) error {
		s, err := a.iso.Compile(code, origin)
		if errors.As(err, &compileErr) {
			return nil
		}
		compiled = s
		return err
	})
	if err != nil {
		return nil, err
	}
	if compileErr != nil {
		if a.opts.Metrics != nil {
			a.opts.Metrics.IncCompileFailure("script")
		}
		a.log.Debug("script compilation failed", zap.String("script", origin.Name), zap.Error(compileErr))
		return Threw[*Script](compileErrorJS(compileErr, origin.Name)), nil
	}
	return Completed(&Script{agent: a, origin: origin, script: compiled}), nil
}

func compileErrorJS(ce *core.CompileError, origin string) *JSError {
	return &JSError{
		Name:    ce.Name,
		Message: ce.Message,
		Stack:   fmt.Sprintf("%s: %s\n    at %s", ce.Name, ce.Message, origin),
	}
}

// Origin is the filename the script was compiled with.
func (s *Script) Origin() string { return s.origin.Name }

func (s *Script) check(realm *Realm) error {
	switch {
	case s.released.Load():
		return ErrReleased
	case realm.agent != s.agent:
		return ErrAgentMismatch
	case realm.released.Load():
		return ErrReleased
	}
	return nil
}

// Run executes the script against realm's global object. The completion
// value is transferred according to opts.Result.
func (s *Script) Run(ctx context.Context, realm *Realm, opts RunOptions) (*Completion[any], error) {
	if err := s.check(realm); err != nil {
		return nil, err
	}
	start := time.Now()
	env, err := s.run(ctx, realm, opts)
	if err != nil {
		return nil, err
	}
	return realm.complete(ctx, env, opts.Timeout, start)
}

// RunIgnored starts the script and returns without waiting for it.
func (s *Script) RunIgnored(ctx context.Context, realm *Realm, opts RunOptions) error {
	if err := s.check(realm); err != nil {
		return err
	}
	opts.Result = TransferOptions{Mode: TransferReference}
	go func() {
		env, err := s.run(detach(ctx), realm, opts)
		if err != nil {
			realm.log.Debug("ignored script failed", zap.String("script", s.origin.Name), zap.Error(err))
			return
		}
		if env.OK && env.V != nil && env.V.T == "ref" {
			if ref, ok := lookupReference(env.V.H); ok {
				ref.Release()
			}
		}
	}()
	return nil
}

func (s *Script) run(ctx context.Context, realm *Realm, opts RunOptions) (*envelope, error) {
	var env *envelope
	err := s.agent.exec(ctx, opts.Timeout, func(context.Context) error {
		if s.released.Load() {
			return ErrReleased
		}
		v, err := realm.ctx.Run(s.script)
		if err != nil {
			var ex *core.Exception
			if errors.As(err, &ex) {
				env = &envelope{E: realm.describeException(ex)}
				return nil
			}
			return err
		}
		env, err = realm.exportValue(v, opts.Result)
		return err
	})
	return env, err
}

// Release frees the compiled code. Running a released script fails with
// ErrReleased.
func (s *Script) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	if s.agent.Disposed() {
		return
	}
	s.agent.loop.Post(eventloop.NewTask(s.script.Release))
}
