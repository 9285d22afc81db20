//go:build v8

package v8engine

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cryguy/ivm/internal/core"
	v8 "github.com/tommie/v8go"
)

// Engine is the V8 backend. An isolate is a v8.Isolate; realms are
// v8.Contexts created in it.
type Engine struct{}

var _ core.Engine = Engine{}

// New returns the V8 engine.
func New() Engine { return Engine{} }

func (Engine) Name() string { return "v8" }

func (Engine) NewIsolate(opts core.IsolateOptions) (core.Isolate, error) {
	var iso *v8.Isolate
	if opts.MemoryLimitMB > 0 {
		heapSize := uint64(opts.MemoryLimitMB) * 1024 * 1024
		iso = v8.NewIsolate(v8.WithResourceConstraints(heapSize/2, heapSize))
	} else {
		iso = v8.NewIsolate()
	}
	return &isolate{iso: iso, opts: opts, contexts: make(map[*v8Context]struct{})}, nil
}

type isolate struct {
	iso        *v8.Isolate
	opts       core.IsolateOptions
	terminated atomic.Bool

	mu       sync.Mutex
	contexts map[*v8Context]struct{}
}

var _ core.Isolate = (*isolate)(nil)

type script struct {
	us *v8.UnboundScript
}

func (s *script) Release() { s.us = nil }

// Compile produces an unbound script, runnable in every context of the
// isolate.
func (iso *isolate) Compile(source string, origin core.Origin) (core.Script, error) {
	us, err := iso.iso.CompileUnboundScript(applyOffsets(source, origin), origin.Name, v8.CompileOptions{})
	if err != nil {
		return nil, compileError(err, origin.Name)
	}
	return &script{us: us}, nil
}

// applyOffsets pads the source so reported positions include the offsets.
func applyOffsets(source string, origin core.Origin) string {
	if origin.LineOffset <= 0 && origin.ColumnOffset <= 0 {
		return source
	}
	return strings.Repeat("\n", max(origin.LineOffset, 0)) + strings.Repeat(" ", max(origin.ColumnOffset, 0)) + source
}

var errorHead = regexp.MustCompile(`^([A-Za-z]*Error): ([\s\S]*)$`)

func compileError(err error, origin string) error {
	msg := err.Error()
	if jsErr, ok := err.(*v8.JSError); ok {
		msg = jsErr.Message
	}
	ce := &core.CompileError{Name: "SyntaxError", Message: msg, Origin: origin}
	if m := errorHead.FindStringSubmatch(msg); m != nil {
		ce.Name, ce.Message = m[1], m[2]
	}
	return ce
}

func (iso *isolate) NewContext() (core.Context, error) {
	ctx := v8.NewContext(iso.iso)
	c := &v8Context{iso: iso, ctx: ctx}
	if err := c.bootstrap(); err != nil {
		ctx.Close()
		return nil, fmt.Errorf("creating context: %w", err)
	}
	iso.mu.Lock()
	iso.contexts[c] = struct{}{}
	iso.mu.Unlock()
	return c, nil
}

// Terminate stops the running script. V8 clears the termination itself
// once the outermost script has unwound.
func (iso *isolate) Terminate() {
	iso.terminated.Store(true)
	iso.iso.TerminateExecution()
}

func (iso *isolate) ResetTermination() {
	iso.terminated.Store(false)
}

func (iso *isolate) HeapStatistics() core.HeapStatistics {
	hs := iso.iso.GetHeapStatistics()
	return core.HeapStatistics{
		TotalHeapSize:    hs.TotalHeapSize,
		UsedHeapSize:     hs.UsedHeapSize,
		HeapSizeLimit:    hs.HeapSizeLimit,
		ExternalMemory:   hs.ExternalMemory,
		MallocedMemory:   hs.MallocedMemory,
		NativeContexts:   hs.NumberOfNativeContexts,
		DetachedContexts: hs.NumberOfDetachedContexts,
	}
}

func (iso *isolate) Dispose() {
	iso.mu.Lock()
	contexts := iso.contexts
	iso.contexts = make(map[*v8Context]struct{})
	iso.mu.Unlock()
	for c := range contexts {
		c.ctx.Close()
	}
	iso.iso.Dispose()
}

func (iso *isolate) forget(c *v8Context) {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	delete(iso.contexts, c)
}
