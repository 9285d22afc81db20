//go:build !v8

package gojaengine

import (
	"errors"
	"testing"
	"time"

	"github.com/cryguy/ivm/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIsolate(t *testing.T, opts core.IsolateOptions) core.Isolate {
	t.Helper()
	iso, err := New().NewIsolate(opts)
	require.NoError(t, err)
	t.Cleanup(iso.Dispose)
	return iso
}

func newContext(t *testing.T, iso core.Isolate) core.Context {
	t.Helper()
	c, err := iso.NewContext()
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestCompile_SyntaxError(t *testing.T) {
	iso := newIsolate(t, core.IsolateOptions{})
	_, err := iso.Compile("}", core.Origin{Name: "bad.js"})
	var ce *core.CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "SyntaxError", ce.Name)
	assert.Contains(t, ce.Message, "Unexpected token")
	assert.Equal(t, "bad.js", ce.Origin)
}

func TestScript_RunsInEveryContext(t *testing.T) {
	iso := newIsolate(t, core.IsolateOptions{})
	s, err := iso.Compile("globalThis.n = (globalThis.n || 0) + 1; n", core.Origin{Name: "count.js"})
	require.NoError(t, err)

	a, b := newContext(t, iso), newContext(t, iso)
	for range 2 {
		_, err := a.Run(s)
		require.NoError(t, err)
	}
	va, err := a.Run(s)
	require.NoError(t, err)
	vb, err := b.Run(s)
	require.NoError(t, err)
	assert.Equal(t, "3", a.ToString(va))
	assert.Equal(t, "1", b.ToString(vb), "contexts do not share globals")

	s.Release()
	_, err = a.Run(s)
	assert.Error(t, err)
}

func TestOrigin_LineOffsetInStack(t *testing.T) {
	iso := newIsolate(t, core.IsolateOptions{})
	c := newContext(t, iso)
	s, err := iso.Compile("1;\n2;\nthrow new Error('x');", core.Origin{Name: "offset.js", LineOffset: 100})
	require.NoError(t, err)
	_, err = c.Run(s)
	var ex *core.Exception
	require.ErrorAs(t, err, &ex)
	assert.Contains(t, ex.Stack, "offset.js:103")
}

func TestFunction_ErrorsAreThrown(t *testing.T) {
	iso := newIsolate(t, core.IsolateOptions{})
	c := newContext(t, iso)
	fn, err := c.Function("fail", func(args []core.Value) (core.Value, error) {
		return nil, errors.New("nope")
	})
	require.NoError(t, err)
	catcher, err := c.Eval("(function (f) { try { f(); } catch (e) { return e.message; } })", "catch.js")
	require.NoError(t, err)
	v, err := c.Call(catcher, c.Undefined(), fn)
	require.NoError(t, err)
	assert.Equal(t, "nope", c.ToString(v))
}

func TestException_CarriesValue(t *testing.T) {
	iso := newIsolate(t, core.IsolateOptions{})
	c := newContext(t, iso)
	_, err := c.Eval("throw 42", "throw.js")
	var ex *core.Exception
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, "42", c.ToString(ex.Value))
}

func TestTerminate_InterruptsUntilReset(t *testing.T) {
	iso := newIsolate(t, core.IsolateOptions{})
	c := newContext(t, iso)
	go func() {
		time.Sleep(20 * time.Millisecond)
		iso.Terminate()
	}()
	_, err := c.Eval("for (;;) {}", "loop.js")
	assert.ErrorIs(t, err, core.ErrInterrupted)

	iso.ResetTermination()
	v, err := c.Eval("1 + 1", "after.js")
	require.NoError(t, err)
	assert.Equal(t, "2", c.ToString(v))
}

func TestIsolate_ClockAndRandom(t *testing.T) {
	epoch := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	iso := newIsolate(t, core.IsolateOptions{
		Now:    func() time.Time { return epoch },
		Random: func() float64 { return 0.25 },
	})
	c := newContext(t, iso)
	v, err := c.Eval("Date.now() + ':' + Math.random()", "clock.js")
	require.NoError(t, err)
	assert.Equal(t, "1577836800000:0.25", c.ToString(v))
}

func TestHeapStatistics_ReportsLimit(t *testing.T) {
	iso := newIsolate(t, core.IsolateOptions{MemoryLimitMB: 8})
	newContext(t, iso)
	hs := iso.HeapStatistics()
	assert.Equal(t, uint64(8*1024*1024), hs.HeapSizeLimit)
	assert.Equal(t, uint64(1), hs.NativeContexts)
}
