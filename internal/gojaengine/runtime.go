//go:build !v8

package gojaengine

import (
	"errors"
	"fmt"

	"github.com/cryguy/ivm/internal/core"
	"github.com/dop251/goja"
)

// gojaRuntime implements core.Context on top of one goja.Runtime.
type gojaRuntime struct {
	vm  *goja.Runtime
	iso *isolate
}

var _ core.Context = (*gojaRuntime)(nil)

func (r *gojaRuntime) Run(s core.Script) (core.Value, error) {
	p, ok := s.(*program)
	if !ok || p.prg == nil {
		return nil, fmt.Errorf("running script: script released or foreign")
	}
	v, err := r.vm.RunProgram(p.prg)
	if err != nil {
		return nil, convertError(err)
	}
	return v, nil
}

func (r *gojaRuntime) Eval(source, name string) (core.Value, error) {
	v, err := r.vm.RunScript(name, source)
	if err != nil {
		return nil, convertError(err)
	}
	return v, nil
}

func (r *gojaRuntime) Call(fn, this core.Value, args ...core.Value) (core.Value, error) {
	callable, ok := goja.AssertFunction(r.value(fn))
	if !ok {
		return nil, fmt.Errorf("calling value: not a function")
	}
	gargs := make([]goja.Value, len(args))
	for i, a := range args {
		gargs[i] = r.value(a)
	}
	v, err := callable(r.value(this), gargs...)
	if err != nil {
		return nil, convertError(err)
	}
	return v, nil
}

func (r *gojaRuntime) Get(obj core.Value, key string) (core.Value, error) {
	o, ok := r.value(obj).(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("reading %q: not an object", key)
	}
	v := o.Get(key)
	if v == nil {
		return goja.Undefined(), nil
	}
	return v, nil
}

// Function wraps fn as a native goja function. Errors returned by fn are
// thrown by panicking with a goja value, which goja turns into a regular
// JavaScript exception.
func (r *gojaRuntime) Function(name string, fn core.HostFunc) (core.Value, error) {
	wrapper := func(call goja.FunctionCall) goja.Value {
		args := make([]core.Value, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a
		}
		result, err := fn(args)
		if err != nil {
			panic(r.throwable(err))
		}
		return r.value(result)
	}
	fnVal := r.vm.ToValue(wrapper)
	if o, ok := fnVal.(*goja.Object); ok && name != "" {
		_ = o.DefineDataProperty("name", r.vm.ToValue(name), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE)
	}
	return fnVal, nil
}

// throwable converts a host error into the value thrown into JavaScript.
// After a Terminate the interrupt flag is still raised, so whatever is
// thrown here never reaches a catch block.
func (r *gojaRuntime) throwable(err error) any {
	var ex *core.Exception
	if errors.As(err, &ex) && ex.Value != nil {
		if v, ok := ex.Value.(goja.Value); ok {
			return v
		}
	}
	return r.vm.NewGoError(err)
}

func (r *gojaRuntime) String(s string) core.Value { return r.vm.ToValue(s) }
func (r *gojaRuntime) Number(f float64) core.Value { return r.vm.ToValue(f) }
func (r *gojaRuntime) Bool(b bool) core.Value { return r.vm.ToValue(b) }
func (r *gojaRuntime) Undefined() core.Value { return goja.Undefined() }

func (r *gojaRuntime) ToString(v core.Value) string {
	gv := r.value(v)
	if gv == nil {
		return "undefined"
	}
	return gv.String()
}

func (r *gojaRuntime) IsUndefined(v core.Value) bool {
	gv := r.value(v)
	return gv == nil || goja.IsUndefined(gv)
}

// RunMicrotasks is a no-op: goja drains its job queue whenever the
// outermost RunProgram or function call returns.
func (r *gojaRuntime) RunMicrotasks() error { return nil }

func (r *gojaRuntime) Close() {
	r.iso.forget(r)
}

func (r *gojaRuntime) value(v core.Value) goja.Value {
	switch gv := v.(type) {
	case nil:
		return goja.Undefined()
	case goja.Value:
		return gv
	default:
		return r.vm.ToValue(gv)
	}
}

// convertError maps goja failures onto the engine-agnostic error types.
func convertError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return core.ErrInterrupted
	}
	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		return &core.Exception{
			Message: "RangeError: Maximum call stack size exceeded",
			Stack:   overflow.String(),
		}
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		msg := ""
		if v := ex.Value(); v != nil {
			msg = v.String()
		}
		return &core.Exception{Value: ex.Value(), Message: msg, Stack: ex.String()}
	}
	var syn *goja.CompilerSyntaxError
	if errors.As(err, &syn) {
		return &core.CompileError{Name: "SyntaxError", Message: syn.Message}
	}
	return err
}
