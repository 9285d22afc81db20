package ivm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExternalCopy_CopyIsIndependent(t *testing.T) {
	ec, err := NewExternalCopy(map[string]any{"list": []any{1, 2}})
	require.NoError(t, err)
	defer ec.Release()
	assert.Positive(t, ec.Size())

	first, err := ec.Copy()
	require.NoError(t, err)
	first.(map[string]any)["list"] = "changed"
	second, err := ec.Copy()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"list": []any{1.0, 2.0}}, second)
}

func TestExternalCopy_ReleaseIsIdempotent(t *testing.T) {
	before := TotalExternalSize()
	ec, err := NewExternalCopy("payload")
	require.NoError(t, err)
	assert.Equal(t, before+int64(ec.Size()), TotalExternalSize())

	ec.Release()
	ec.Release()
	assert.Equal(t, before, TotalExternalSize())
	_, err = ec.Copy()
	assert.ErrorIs(t, err, ErrReleased)
	_, err = ec.CopyInto()
	assert.ErrorIs(t, err, ErrReleased)
}

func TestExternalCopy_IntoSeveralAgents(t *testing.T) {
	ec, err := NewExternalCopy(map[string]any{"n": 1})
	require.NoError(t, err)
	defer ec.Release()
	ctx := context.Background()

	for range 2 {
		realm := newTestRealm(t, newTestAgent(t))
		_, err := realm.Global().Set(ctx, "snap", ec, SetOptions{})
		require.NoError(t, err)
		got := runScript(t, realm, `
			const a = snap.copy();
			const b = snap.copy();
			a.n = 2;
			[String(snap), b.n]`)
		assert.Equal(t, []any{"[object ExternalCopy]", 1.0}, got)
	}
}

func TestExternalCopy_CopyIntoDefaultMode(t *testing.T) {
	ec, err := NewExternalCopy([]any{"x"})
	require.NoError(t, err)
	defer ec.Release()
	realm := newTestRealm(t, newTestAgent(t))

	c, err := ec.CopyInto()
	require.NoError(t, err)
	_, err = realm.Global().Set(context.Background(), "plain", c, SetOptions{})
	require.NoError(t, err)
	assert.Equal(t, true, runScript(t, realm, "Array.isArray(plain) && plain[0] === 'x'"))
}

func TestExternalCopy_FromSandbox(t *testing.T) {
	realm := newTestRealm(t, newTestAgent(t))
	c := runScriptCompletion(t, realm, "({ v: [1, 2, 3] })", RunOptions{Result: TransferOptions{Mode: TransferExternalCopy}})
	v, err := ExpectComplete(c)
	require.NoError(t, err)
	ec, ok := v.(*ExternalCopy)
	require.True(t, ok, "got %T", v)
	defer ec.Release()

	got, err := ec.Copy()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": []any{1.0, 2.0, 3.0}}, got)
}

func TestExternalCopy_ReleasedInSandbox(t *testing.T) {
	ec, err := NewExternalCopy(1)
	require.NoError(t, err)
	defer ec.Release()
	realm := newTestRealm(t, newTestAgent(t))
	_, err = realm.Global().Set(context.Background(), "snap", ec, SetOptions{})
	require.NoError(t, err)

	ec.Release()
	got := runScript(t, realm, "try { snap.copy(); 'copied' } catch (e) { e.message }")
	assert.Equal(t, ErrReleased.Error(), got)
}
