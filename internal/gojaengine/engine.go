//go:build !v8

package gojaengine

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cryguy/ivm/internal/core"
	"github.com/dop251/goja"
)

// Engine is the pure-Go backend. Every realm is its own goja.Runtime; an
// isolate is the set of runtimes created for one agent, sharing the agent's
// clock and random source.
type Engine struct{}

var _ core.Engine = Engine{}

// New returns the goja engine.
func New() Engine { return Engine{} }

func (Engine) Name() string { return "goja" }

func (Engine) NewIsolate(opts core.IsolateOptions) (core.Isolate, error) {
	return &isolate{opts: opts, runtimes: make(map[*gojaRuntime]struct{})}, nil
}

// isolate tracks the runtimes it created so that Terminate can reach
// whichever one is executing.
type isolate struct {
	opts core.IsolateOptions

	mu       sync.Mutex
	runtimes map[*gojaRuntime]struct{}
	disposed bool
}

var _ core.Isolate = (*isolate)(nil)

type program struct {
	prg *goja.Program
}

func (p *program) Release() { p.prg = nil }

// Compile parses source into a goja.Program. Programs are not linked to a
// runtime and can be run by any runtime of this isolate.
func (iso *isolate) Compile(source string, origin core.Origin) (core.Script, error) {
	prg, err := goja.Compile(origin.Name, applyOffsets(source, origin), false)
	if err != nil {
		return nil, compileError(err, origin.Name)
	}
	return &program{prg: prg}, nil
}

// applyOffsets shifts the source so that positions reported in stack traces
// account for the caller supplied line and column offsets.
func applyOffsets(source string, origin core.Origin) string {
	if origin.LineOffset <= 0 && origin.ColumnOffset <= 0 {
		return source
	}
	var b strings.Builder
	b.Grow(len(source) + max(origin.LineOffset, 0) + max(origin.ColumnOffset, 0))
	b.WriteString(strings.Repeat("\n", max(origin.LineOffset, 0)))
	b.WriteString(strings.Repeat(" ", max(origin.ColumnOffset, 0)))
	b.WriteString(source)
	return b.String()
}

func compileError(err error, origin string) error {
	var syn *goja.CompilerSyntaxError
	if errors.As(err, &syn) {
		return &core.CompileError{Name: "SyntaxError", Message: syn.Message, Origin: origin}
	}
	var ref *goja.CompilerReferenceError
	if errors.As(err, &ref) {
		return &core.CompileError{Name: "ReferenceError", Message: ref.Message, Origin: origin}
	}
	return &core.CompileError{Name: "SyntaxError", Message: err.Error(), Origin: origin}
}

func (iso *isolate) NewContext() (core.Context, error) {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	if iso.disposed {
		return nil, fmt.Errorf("creating context: isolate disposed")
	}
	vm := goja.New()
	if iso.opts.Now != nil {
		vm.SetTimeSource(iso.opts.Now)
	}
	if iso.opts.Random != nil {
		vm.SetRandSource(iso.opts.Random)
	}
	if iso.opts.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(iso.opts.MaxCallStackSize)
	}
	rt := &gojaRuntime{vm: vm, iso: iso}
	iso.runtimes[rt] = struct{}{}
	return rt, nil
}

// Terminate interrupts every runtime. The interrupt flag stays raised until
// ResetTermination, so nested calls unwind all the way out.
func (iso *isolate) Terminate() {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	for rt := range iso.runtimes {
		rt.vm.Interrupt(core.ErrInterrupted)
	}
}

func (iso *isolate) ResetTermination() {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	for rt := range iso.runtimes {
		rt.vm.ClearInterrupt()
	}
}

// HeapStatistics reports only the configured limit: goja allocates on the Go
// heap and cannot attribute usage to a runtime.
func (iso *isolate) HeapStatistics() core.HeapStatistics {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	return core.HeapStatistics{
		HeapSizeLimit:  uint64(iso.opts.MemoryLimitMB) * 1024 * 1024,
		NativeContexts: uint64(len(iso.runtimes)),
	}
}

func (iso *isolate) Dispose() {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	iso.disposed = true
	for rt := range iso.runtimes {
		rt.vm.Interrupt(core.ErrInterrupted)
	}
	iso.runtimes = make(map[*gojaRuntime]struct{})
}

func (iso *isolate) forget(rt *gojaRuntime) {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	delete(iso.runtimes, rt)
}
