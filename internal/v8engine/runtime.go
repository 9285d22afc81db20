//go:build v8

package v8engine

import (
	"errors"
	"fmt"

	"github.com/cryguy/ivm/internal/core"
	v8 "github.com/tommie/v8go"
)

// v8Context implements core.Context for one v8.Context.
type v8Context struct {
	iso *isolate
	ctx *v8.Context

	newError *v8.Function // (message) => new Error(message)
}

var _ core.Context = (*v8Context)(nil)

// bootstrapJS routes Date and Math.random through host functions so that
// the agent clock and seed apply.
const bootstrapJS = `(function (now, random) {
	if (random !== undefined) {
		Object.defineProperty(Math, "random", { value: function random_() { return random(); }, writable: true, configurable: true });
	}
	var newError = function (message) { return new Error(message); };
	if (now === undefined) {
		return newError;
	}
	var NativeDate = Date;
	function IvmDate() {
		if (!new.target) {
			return new NativeDate(now()).toString();
		}
		if (arguments.length === 0) {
			return new NativeDate(now());
		}
		return Reflect.construct(NativeDate, arguments, new.target);
	}
	IvmDate.prototype = NativeDate.prototype;
	Object.setPrototypeOf(IvmDate, NativeDate);
	Object.defineProperty(IvmDate, "now", { value: function now_() { return now(); }, writable: true, configurable: true });
	Object.defineProperty(NativeDate.prototype, "constructor", { value: IvmDate, writable: true, configurable: true });
	Object.defineProperty(globalThis, "Date", { value: IvmDate, writable: true, configurable: true });
	return newError;
})`

func (c *v8Context) bootstrap() error {
	factory, err := c.ctx.RunScript(bootstrapJS, "ivm:bootstrap")
	if err != nil {
		return err
	}
	fn, err := factory.AsFunction()
	if err != nil {
		return err
	}
	opts := c.iso.opts
	var now v8.Valuer = v8.Undefined(c.iso.iso)
	if opts.Now != nil {
		now = c.native(func(*v8.FunctionCallbackInfo) (*v8.Value, error) {
			return v8.NewValue(c.iso.iso, float64(opts.Now().UnixMilli()))
		})
	}
	var random v8.Valuer = v8.Undefined(c.iso.iso)
	if opts.Random != nil {
		random = c.native(func(*v8.FunctionCallbackInfo) (*v8.Value, error) {
			return v8.NewValue(c.iso.iso, opts.Random())
		})
	}
	errFactory, err := fn.Call(v8.Undefined(c.iso.iso), now, random)
	if err != nil {
		return err
	}
	if c.newError, err = errFactory.AsFunction(); err != nil {
		return err
	}
	return nil
}

func (c *v8Context) native(fn func(*v8.FunctionCallbackInfo) (*v8.Value, error)) *v8.Function {
	tmpl := v8.NewFunctionTemplate(c.iso.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		v, err := fn(info)
		if err != nil {
			c.throw(err)
			return nil
		}
		return v
	})
	return tmpl.GetFunction(c.ctx)
}

func (c *v8Context) Run(s core.Script) (core.Value, error) {
	sc, ok := s.(*script)
	if !ok || sc.us == nil {
		return nil, fmt.Errorf("running script: script released or foreign")
	}
	v, err := sc.us.Run(c.ctx)
	if err != nil {
		return nil, c.convertError(err)
	}
	return v, nil
}

func (c *v8Context) Eval(source, name string) (core.Value, error) {
	v, err := c.ctx.RunScript(source, name)
	if err != nil {
		return nil, c.convertError(err)
	}
	return v, nil
}

func (c *v8Context) Call(fn, this core.Value, args ...core.Value) (core.Value, error) {
	f, err := c.value(fn).AsFunction()
	if err != nil {
		return nil, fmt.Errorf("calling value: %w", err)
	}
	vargs := make([]v8.Valuer, len(args))
	for i, a := range args {
		vargs[i] = c.value(a)
	}
	v, err := f.Call(c.value(this), vargs...)
	if err != nil {
		return nil, c.convertError(err)
	}
	return v, nil
}

func (c *v8Context) Get(obj core.Value, key string) (core.Value, error) {
	o, err := c.value(obj).AsObject()
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", key, err)
	}
	v, err := o.Get(key)
	if err != nil {
		return nil, c.convertError(err)
	}
	return v, nil
}

// Function wraps fn as a JavaScript function. A returned error is thrown:
// *core.Exception rethrows its value, anything else becomes an Error.
func (c *v8Context) Function(name string, fn core.HostFunc) (core.Value, error) {
	f := c.native(func(info *v8.FunctionCallbackInfo) (*v8.Value, error) {
		in := info.Args()
		args := make([]core.Value, len(in))
		for i, a := range in {
			args[i] = a
		}
		result, err := fn(args)
		if err != nil {
			return nil, err
		}
		return c.value(result), nil
	})
	return f.Value, nil
}

func (c *v8Context) throw(err error) {
	if errors.Is(err, core.ErrInterrupted) {
		c.iso.iso.TerminateExecution()
		return
	}
	var ex *core.Exception
	if errors.As(err, &ex) {
		if v, ok := ex.Value.(*v8.Value); ok && v != nil {
			c.iso.iso.ThrowException(v)
			return
		}
	}
	msg, _ := v8.NewValue(c.iso.iso, err.Error())
	if e, callErr := c.newError.Call(v8.Undefined(c.iso.iso), msg); callErr == nil {
		c.iso.iso.ThrowException(e)
		return
	}
	c.iso.iso.ThrowException(msg)
}

func (c *v8Context) String(s string) core.Value {
	v, _ := v8.NewValue(c.iso.iso, s)
	return v
}

func (c *v8Context) Number(f float64) core.Value {
	v, _ := v8.NewValue(c.iso.iso, f)
	return v
}

func (c *v8Context) Bool(b bool) core.Value {
	v, _ := v8.NewValue(c.iso.iso, b)
	return v
}

func (c *v8Context) Undefined() core.Value { return v8.Undefined(c.iso.iso) }

func (c *v8Context) ToString(v core.Value) string {
	return c.value(v).String()
}

func (c *v8Context) IsUndefined(v core.Value) bool {
	return c.value(v).IsUndefined()
}

// RunMicrotasks pumps the V8 microtask queue.
func (c *v8Context) RunMicrotasks() error {
	c.ctx.PerformMicrotaskCheckpoint()
	if c.iso.terminated.Load() {
		return core.ErrInterrupted
	}
	return nil
}

func (c *v8Context) Close() {
	c.iso.forget(c)
	c.ctx.Close()
}

func (c *v8Context) value(v core.Value) *v8.Value {
	switch x := v.(type) {
	case *v8.Value:
		if x != nil {
			return x
		}
	case *v8.Object:
		if x != nil {
			return x.Value
		}
	case *v8.Function:
		if x != nil {
			return x.Value
		}
	}
	return v8.Undefined(c.iso.iso)
}

// convertError maps V8 failures onto the engine-agnostic error types. V8
// does not surface the thrown value through the Go API, so exceptions
// carry only their rendering and stack.
func (c *v8Context) convertError(err error) error {
	if c.iso.terminated.Load() {
		return core.ErrInterrupted
	}
	var jsErr *v8.JSError
	if errors.As(err, &jsErr) {
		return &core.Exception{Message: jsErr.Message, Stack: jsErr.StackTrace}
	}
	return err
}
