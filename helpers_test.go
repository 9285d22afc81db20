package ivm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

func newTestAgent(t *testing.T, opts ...func(*AgentOptions)) *Agent {
	t.Helper()
	o := AgentOptions{
		Logger:         zaptest.NewLogger(t, zaptest.Level(zapcore.ErrorLevel)),
		DefaultTimeout: 5 * time.Second,
	}
	for _, fn := range opts {
		fn(&o)
	}
	a, err := NewAgent(o)
	require.NoError(t, err)
	t.Cleanup(a.Dispose)
	return a
}

func newTestRealm(t *testing.T, a *Agent) *Realm {
	t.Helper()
	r, err := a.CreateRealm(context.Background())
	require.NoError(t, err)
	return r
}

func compileScript(t *testing.T, a *Agent, code string) *Script {
	t.Helper()
	c, err := a.CompileScript(context.Background(), code, ScriptOptions{})
	require.NoError(t, err)
	s, err := ExpectComplete(c)
	require.NoError(t, err)
	return s
}

// runScript compiles and runs code in realm, copying the completion value.
func runScript(t *testing.T, realm *Realm, code string) any {
	t.Helper()
	c := runScriptCompletion(t, realm, code, RunOptions{Result: TransferOptions{Mode: TransferCopy}})
	v, err := ExpectComplete(c)
	require.NoError(t, err)
	return v
}

func runScriptCompletion(t *testing.T, realm *Realm, code string, opts RunOptions) *Completion[any] {
	t.Helper()
	s := compileScript(t, realm.Agent(), code)
	c, err := s.Run(context.Background(), realm, opts)
	require.NoError(t, err)
	return c
}

// evalRef runs code and returns its completion value by reference.
func evalRef(t *testing.T, realm *Realm, code string) *Reference {
	t.Helper()
	c := runScriptCompletion(t, realm, code, RunOptions{Result: TransferOptions{Mode: TransferReference}})
	v, err := ExpectComplete(c)
	require.NoError(t, err)
	ref, ok := v.(*Reference)
	require.True(t, ok, "expected a *Reference, got %T", v)
	t.Cleanup(ref.Release)
	return ref
}

func compileModule(t *testing.T, a *Agent, code, name string) *Module {
	t.Helper()
	c, err := a.CompileModule(context.Background(), code, ModuleOptions{Filename: name})
	require.NoError(t, err)
	m, err := ExpectComplete(c)
	require.NoError(t, err)
	return m
}
