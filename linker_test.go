package ivm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingLinker(calls *atomic.Int32, m *Module, err error) Linker {
	return LinkerFunc(func(context.Context, string, map[string]string, *Module) (*Module, error) {
		calls.Add(1)
		return m, err
	})
}

func TestCachedLinker_ResolvesOnce(t *testing.T) {
	a := newTestAgent(t)
	m := compileModule(t, a, `export default 1;`, "dep")
	var calls atomic.Int32
	cached := NewCachedLinker(countingLinker(&calls, m, nil))
	ctx := context.Background()

	for range 3 {
		got, err := cached.Resolve(ctx, "dep", nil, nil)
		require.NoError(t, err)
		assert.Same(t, m, got)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, cached.Len())

	_, err := cached.Resolve(ctx, "dep", map[string]string{"type": "json"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "attributes are part of the key")
}

func TestCachedLinker_DoesNotCacheFailures(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("boom")
	cached := NewCachedLinker(countingLinker(&calls, nil, boom))
	for range 2 {
		_, err := cached.Resolve(context.Background(), "x", nil, nil)
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, cached.Len())

	var missing atomic.Int32
	none := NewCachedLinker(countingLinker(&missing, nil, nil))
	for range 2 {
		m, err := none.Resolve(context.Background(), "x", nil, nil)
		require.NoError(t, err)
		assert.Nil(t, m)
	}
	assert.Equal(t, int32(2), missing.Load())
}

func TestCompositeLinker_FirstMatchWins(t *testing.T) {
	a := newTestAgent(t)
	one := compileModule(t, a, `export default 1;`, "one")
	two := compileModule(t, a, `export default 2;`, "two")
	ctx := context.Background()

	got, err := CompositeLinker{PreloadedLinker{}, PreloadedLinker{"x": one}, PreloadedLinker{"x": two}}.Resolve(ctx, "x", nil, nil)
	require.NoError(t, err)
	assert.Same(t, one, got)

	boom := errors.New("boom")
	failing := LinkerFunc(func(context.Context, string, map[string]string, *Module) (*Module, error) { return nil, boom })
	_, err = CompositeLinker{failing, PreloadedLinker{"x": two}}.Resolve(ctx, "x", nil, nil)
	assert.ErrorIs(t, err, boom)

	got, err = CompositeLinker{PreloadedLinker{}}.Resolve(ctx, "y", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestFileLinker_LinksRelativeImports(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.js", `import { greet } from "./lib/greet"; globalThis.out = greet("file");`)
	writeFile(t, dir, "lib/greet.mjs", `import { prefix } from "../prefix.js"; export function greet(n) { return prefix + n; }`)
	writeFile(t, dir, "prefix.js", `export const prefix = "hello ";`)

	a := newTestAgent(t)
	realm := newTestRealm(t, a)
	linker := NewFileLinker(a, ResolveRelative(dir))
	ctx := context.Background()

	main, err := linker.Resolve(ctx, "./main.js", nil, nil)
	require.NoError(t, err)
	require.NotNil(t, main)
	assert.Equal(t, filepath.Join(dir, "main.js"), main.Origin())

	again, err := linker.Resolve(ctx, "./main.js", nil, nil)
	require.NoError(t, err)
	assert.Same(t, main, again, "each path compiles once")

	mustLink(t, main, realm, linker)
	_, err = ExpectComplete(mustEvaluate(t, main, realm))
	require.NoError(t, err)
	assert.Equal(t, "hello file", runScript(t, realm, "out"))
}

func TestFileLinker_CompilationError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.js", `import "./broken.js";`)
	broken := writeFile(t, dir, "broken.js", `export }`)

	a := newTestAgent(t)
	realm := newTestRealm(t, a)
	linker := NewFileLinker(a, ResolveRelative(dir))
	main, err := linker.Resolve(context.Background(), "./main.js", nil, nil)
	require.NoError(t, err)

	err = main.Link(context.Background(), realm, linker)
	assert.ErrorIs(t, err, ErrCompilationIncomplete)
	var ce *CompilationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, broken, ce.Path)
	assert.Equal(t, "./broken.js", ce.Specifier)
	var jsErr *JSError
	require.ErrorAs(t, err, &jsErr)
	assert.Equal(t, "SyntaxError", jsErr.Name)
}

func TestFileLinker_MissingFileIsNotFound(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.js", `import "./nowhere.js";`)

	a := newTestAgent(t)
	realm := newTestRealm(t, a)
	linker := NewFileLinker(a, ResolveRelative(dir))
	main, err := linker.Resolve(context.Background(), "./main.js", nil, nil)
	require.NoError(t, err)

	err = main.Link(context.Background(), realm, linker)
	var linkErr *LinkError
	require.ErrorAs(t, err, &linkErr)
	assert.Equal(t, "./nowhere.js", linkErr.Specifier)
}

func TestResolveRelative_BareSpecifiersAreLeftAlone(t *testing.T) {
	p, err := ResolveRelative(t.TempDir())("lodash", nil)
	require.NoError(t, err)
	assert.Empty(t, p)
}

func TestFileLinker_CompositeWithCapability(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.js", `import value from "config"; globalThis.value = value;`)

	a := newTestAgent(t)
	realm := newTestRealm(t, a)
	config, err := a.CreateCapability(context.Background(), func(context.Context, ...any) (any, error) {
		return "configured", nil
	}, CapabilityOptions{Origin: "config"})
	require.NoError(t, err)

	files := NewFileLinker(a, ResolveRelative(dir))
	linker := NewCachedLinker(CompositeLinker{files, PreloadedLinker{"config": config}})
	main, err := files.Resolve(context.Background(), "./main.js", nil, nil)
	require.NoError(t, err)

	mustLink(t, main, realm, linker)
	mustEvaluate(t, main, realm)
	assert.Equal(t, "configured", runScript(t, realm, "value()"))
}

func TestCachedLinker_CancelledCallerDoesNotFailOthers(t *testing.T) {
	a := newTestAgent(t)
	m := compileModule(t, a, `export default 1;`, "slow")
	var (
		calls   atomic.Int32
		workErr atomic.Value
	)
	started := make(chan struct{})
	release := make(chan struct{})
	cached := NewCachedLinker(LinkerFunc(func(ctx context.Context, _ string, _ map[string]string, _ *Module) (*Module, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		workErr.Store(fmt.Sprint(ctx.Err()))
		return m, nil
	}))

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cached.Resolve(first, "slow", nil, nil)
		firstErr <- err
	}()
	<-started

	type result struct {
		m   *Module
		err error
	}
	second := make(chan result, 1)
	go func() {
		got, err := cached.Resolve(context.Background(), "slow", nil, nil)
		second <- result{got, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(release)

	r := <-second
	require.NoError(t, r.err)
	assert.Same(t, m, r.m)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "<nil>", workErr.Load())
}
