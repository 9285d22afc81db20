package ivm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTimers(t *testing.T, a *Agent) *Timers {
	t.Helper()
	timers, err := NewTimers(context.Background(), a)
	require.NoError(t, err)
	t.Cleanup(timers.Close)
	return timers
}

func installedRealm(t *testing.T) (*Realm, *Timers) {
	t.Helper()
	a := newTestAgent(t)
	timers := newTestTimers(t, a)
	realm := newTestRealm(t, a)
	require.NoError(t, timers.Install(context.Background(), realm))
	return realm, timers
}

func eventually(t *testing.T, realm *Realm, code string, want any) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, runScript(t, realm, code))
	}, 5*time.Second, 5*time.Millisecond)
}

func TestTimers_SetTimeoutFires(t *testing.T) {
	realm, _ := installedRealm(t)
	runScript(t, realm, "globalThis.fired = false; setTimeout(() => { fired = true; }, 10); 0")
	eventually(t, realm, "fired", true)
}

func TestTimers_PassesArguments(t *testing.T) {
	realm, _ := installedRealm(t)
	runScript(t, realm, "globalThis.sum = 0; setTimeout((a, b) => { sum = a + b; }, 0, 2, 3); 0")
	eventually(t, realm, "sum", 5.0)
}

func TestTimers_ClearTimeout(t *testing.T) {
	realm, timers := installedRealm(t)
	runScript(t, realm, "globalThis.fired = false; const id = setTimeout(() => { fired = true; }, 10); clearTimeout(id); 0")
	n, err := timers.Pending(context.Background(), realm)
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, false, runScript(t, realm, "fired"))
}

func TestTimers_OrderByDeadlineThenCreation(t *testing.T) {
	realm, _ := installedRealm(t)
	runScript(t, realm, `
		globalThis.order = [];
		setTimeout(() => order.push("b"), 20);
		setTimeout(() => order.push("a"), 5);
		setTimeout(() => order.push("c"), 20);
		0`)
	eventually(t, realm, "order.join()", "a,b,c")
}

func TestTimers_Interval(t *testing.T) {
	realm, timers := installedRealm(t)
	runScript(t, realm, `
		globalThis.ticks = 0;
		const interval = setInterval(() => { if (++ticks === 3) clearInterval(interval); }, 5);
		0`)
	eventually(t, realm, "ticks", 3.0)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 3.0, runScript(t, realm, "ticks"))
	n, err := timers.Pending(context.Background(), realm)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTimers_PendingCountsActiveTimers(t *testing.T) {
	realm, timers := installedRealm(t)
	runScript(t, realm, "setTimeout(() => {}, 60000); setInterval(() => {}, 60000); 0")
	n, err := timers.Pending(context.Background(), realm)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTimers_CallbackErrorDoesNotStopOthers(t *testing.T) {
	realm, _ := installedRealm(t)
	runScript(t, realm, `
		globalThis.after = false;
		setTimeout(() => { throw new Error("timer failure"); }, 0);
		setTimeout(() => { after = true; }, 0);
		0`)
	eventually(t, realm, "after", true)
}

func TestTimers_ImportFromModule(t *testing.T) {
	a := newTestAgent(t)
	timers := newTestTimers(t, a)
	realm := newTestRealm(t, a)
	m := compileModule(t, a, `import { setTimeout } from "ivm:timers"; setTimeout(() => { globalThis.viaModule = true; }, 0);`, "uses-timers.js")
	mustLink(t, m, realm, timers.Linker())
	_, err := ExpectComplete(mustEvaluate(t, m, realm))
	require.NoError(t, err)
	eventually(t, realm, "globalThis.viaModule === true", true)
}

func TestTimers_RealmsAreIndependent(t *testing.T) {
	a := newTestAgent(t)
	timers := newTestTimers(t, a)
	one, two := newTestRealm(t, a), newTestRealm(t, a)
	ctx := context.Background()
	require.NoError(t, timers.Install(ctx, one))
	require.NoError(t, timers.Install(ctx, two))

	runScript(t, one, "setTimeout(() => {}, 60000); 0")
	n, err := timers.Pending(ctx, two)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTimers_CloseStopsFiring(t *testing.T) {
	realm, timers := installedRealm(t)
	runScript(t, realm, "globalThis.fired = false; setTimeout(() => { fired = true; }, 20); 0")
	timers.Close()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, false, runScript(t, realm, "fired"))
}
