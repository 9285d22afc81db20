package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource AgentStats

func (f fakeSource) MetricsSnapshot() AgentStats { return AgentStats(f) }

func TestCollector_TracksAgents(t *testing.T) {
	c := New(func() int64 { return 42 })
	c.Track("a", fakeSource{Engine: "goja", HeapLimit: 1 << 20, CPUTime: time.Second})
	c.Track("b", fakeSource{Engine: "goja"})

	expected := `
# HELP ivm_agents_live Number of agents not yet disposed.
# TYPE ivm_agents_live gauge
ivm_agents_live 2
# HELP ivm_external_copy_bytes Bytes held by live external copies.
# TYPE ivm_external_copy_bytes gauge
ivm_external_copy_bytes 42
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "ivm_agents_live", "ivm_external_copy_bytes"))

	c.Untrack("b")
	assert.Equal(t, 1, testutil.CollectAndCount(c, "ivm_agent_cpu_seconds"))
}

func TestCollector_Counters(t *testing.T) {
	c := New(nil)
	c.IncTimeout()
	c.IncTimeout()
	c.IncDisposal()
	c.IncCompileFailure("module")
	c.ObserveResolution("resolved")
	c.ObserveResolution("missing")
	c.ObserveResolution("resolved")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.timeouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.disposals))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.compileFailures.WithLabelValues("module")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.resolutions.WithLabelValues("resolved")))
}

func TestCollector_Registers(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(New(nil)))
}
