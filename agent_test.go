package ivm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgent_DisposeFailsInFlightCall(t *testing.T) {
	a := newTestAgent(t)
	realm := newTestRealm(t, a)
	s := compileScript(t, a, "for (;;) {}")

	errc := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background(), realm, RunOptions{})
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	a.Dispose()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrDisposed)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight run did not return after Dispose")
	}
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not shut down")
	}
}

func TestAgent_DisposedRejectsWork(t *testing.T) {
	a := newTestAgent(t)
	realm := newTestRealm(t, a)
	a.Dispose()
	a.Dispose()
	assert.True(t, a.Disposed())
	assert.True(t, realm.Released())

	_, err := a.CreateRealm(context.Background())
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = a.CompileScript(context.Background(), "1", ScriptOptions{})
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = a.HeapStatistics(context.Background())
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestAgent_HeapStatistics(t *testing.T) {
	a := newTestAgent(t, func(o *AgentOptions) { o.MemoryLimitMB = 32 })
	newTestRealm(t, a)
	hs, err := a.HeapStatistics(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, hs.HeapSizeLimit)
	assert.GreaterOrEqual(t, hs.NativeContexts, uint64(1))
}

func TestAgent_DeterministicClock(t *testing.T) {
	epoch := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	a := newTestAgent(t, func(o *AgentOptions) {
		o.Clock = ClockOptions{Mode: ClockDeterministic, Epoch: epoch, Interval: time.Millisecond}
	})
	realm := newTestRealm(t, a)
	got := runScript(t, realm, "const a = Date.now(); const b = Date.now(); [a, b - a]")
	items := got.([]any)
	assert.GreaterOrEqual(t, items[0].(float64), float64(epoch.UnixMilli()))
	assert.Equal(t, 1.0, items[1])
}

func TestAgent_MicrotaskClockFrozenWithinTask(t *testing.T) {
	a := newTestAgent(t, func(o *AgentOptions) {
		o.Clock = ClockOptions{Mode: ClockMicrotask}
	})
	realm := newTestRealm(t, a)
	got := runScript(t, realm, `
		const a = Date.now();
		let x = 0;
		for (let i = 0; i < 200000; i++) { x += i; }
		Date.now() - a`)
	assert.Equal(t, 0.0, got)
}

func TestAgent_SeededRandomIsReproducible(t *testing.T) {
	seed := uint64(7)
	withSeed := func(o *AgentOptions) { o.RandomSeed = &seed }
	code := "[Math.random(), Math.random(), Math.random()]"

	one := runScript(t, newTestRealm(t, newTestAgent(t, withSeed)), code)
	two := runScript(t, newTestRealm(t, newTestAgent(t, withSeed)), code)
	assert.Equal(t, one, two)
}

func TestAgent_WallTimeAccumulates(t *testing.T) {
	a := newTestAgent(t)
	realm := newTestRealm(t, a)
	runScript(t, realm, "let n = 0; for (let i = 0; i < 100000; i++) { n += i; } n")
	assert.Positive(t, a.WallTime())
	assert.GreaterOrEqual(t, a.CPUTime(), time.Duration(0))
	assert.NotEmpty(t, a.ID())
	assert.NotEmpty(t, a.Engine())
}

func TestRealm_Release(t *testing.T) {
	a := newTestAgent(t)
	realm := newTestRealm(t, a)
	global := realm.Global()
	realm.Release()
	realm.Release()
	assert.True(t, realm.Released())

	s := compileScript(t, a, "1")
	_, err := s.Run(context.Background(), realm, RunOptions{})
	assert.ErrorIs(t, err, ErrReleased)
	_, err = global.Get(context.Background(), "x", GetOptions{})
	assert.ErrorIs(t, err, ErrReleased)

	other := newTestRealm(t, a)
	assert.Equal(t, 1.0, runScript(t, other, "1"), "other realms are unaffected")
}
