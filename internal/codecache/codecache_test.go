package codecache

import (
	"path/filepath"
	"testing"

	"github.com/cryguy/ivm/internal/esm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntry() *Entry {
	return &Entry{
		Lowered: "(function (exports, require, module) {})",
		Requests: []esm.Request{
			{Specifier: "right"},
			{Specifier: "./data.json", Attributes: map[string]string{"type": "json"}},
		},
	}
}

func TestKey_Stable(t *testing.T) {
	assert.Equal(t, Key("export default 1"), Key("export default 1"))
	assert.NotEqual(t, Key("export default 1"), Key("export default 2"))
	assert.Len(t, Key(""), 64)
}

func TestLRUStore_Evicts(t *testing.T) {
	s, err := NewLRU(2)
	require.NoError(t, err)
	require.NoError(t, s.Put("a", sampleEntry()))
	require.NoError(t, s.Put("b", sampleEntry()))
	_, _ = s.Get("a")
	require.NoError(t, s.Put("c", sampleEntry()))

	_, ok := s.Get("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = s.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, s.Len())
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache", "modules.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, ok := s.Get("missing")
	assert.False(t, ok)

	require.NoError(t, s.Put("k", sampleEntry()))
	got, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, sampleEntry(), got)

	replacement := &Entry{Lowered: "(function () {})"}
	require.NoError(t, s.Put("k", replacement))
	got, ok = s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "(function () {})", got.Lowered)
}

func TestSQLiteStore_Memory(t *testing.T) {
	s, err := OpenSQLite("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Put("k", sampleEntry()))
	_, ok := s.Get("k")
	assert.True(t, ok)
}

func TestTiered_PromotesSlowHits(t *testing.T) {
	fast, err := NewLRU(4)
	require.NoError(t, err)
	slow, err := OpenSQLite("")
	require.NoError(t, err)
	t.Cleanup(func() { slow.Close() })

	require.NoError(t, slow.Put("k", sampleEntry()))
	tiered := &Tiered{Fast: fast, Slow: slow}

	_, ok := fast.Get("k")
	require.False(t, ok)
	got, ok := tiered.Get("k")
	require.True(t, ok)
	assert.Equal(t, "right", got.Requests[0].Specifier)
	_, ok = fast.Get("k")
	assert.True(t, ok, "hit should be promoted to the fast tier")

	require.NoError(t, tiered.Put("n", sampleEntry()))
	_, ok = slow.Get("n")
	assert.True(t, ok)
}
