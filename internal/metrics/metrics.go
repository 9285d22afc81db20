// Package metrics exposes agent statistics to Prometheus.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AgentStats is a point-in-time view of one agent.
type AgentStats struct {
	Engine     string
	HeapUsed   uint64
	HeapLimit  uint64
	CPUTime    time.Duration
	WallTime   time.Duration
	References int
}

// Source is implemented by anything that can report AgentStats.
type Source interface {
	MetricsSnapshot() AgentStats
}

// Collector implements prometheus.Collector. Per-agent gauges are read from
// tracked sources at scrape time; counters are updated by the agents.
type Collector struct {
	mu      sync.RWMutex
	sources map[string]Source
	extern  func() int64

	live      *prometheus.Desc
	heapUsed  *prometheus.Desc
	heapLimit *prometheus.Desc
	cpu       *prometheus.Desc
	wall      *prometheus.Desc
	refs      *prometheus.Desc
	external  *prometheus.Desc

	timeouts        prometheus.Counter
	disposals       prometheus.Counter
	compileFailures *prometheus.CounterVec
	resolutions     *prometheus.CounterVec
}

var _ prometheus.Collector = (*Collector)(nil)

// New creates an empty collector. externalBytes, if non-nil, reports the
// total size of live external copies.
func New(externalBytes func() int64) *Collector {
	labels := []string{"agent", "engine"}
	return &Collector{
		sources:   make(map[string]Source),
		extern:    externalBytes,
		live:      prometheus.NewDesc("ivm_agents_live", "Number of agents not yet disposed.", nil, nil),
		heapUsed:  prometheus.NewDesc("ivm_agent_heap_used_bytes", "Heap bytes in use by the agent.", labels, nil),
		heapLimit: prometheus.NewDesc("ivm_agent_heap_limit_bytes", "Heap ceiling of the agent.", labels, nil),
		cpu:       prometheus.NewDesc("ivm_agent_cpu_seconds", "CPU time spent running agent tasks.", labels, nil),
		wall:      prometheus.NewDesc("ivm_agent_wall_seconds", "Wall time spent running agent tasks.", labels, nil),
		refs:      prometheus.NewDesc("ivm_agent_references", "Live references owned by the agent.", labels, nil),
		external:  prometheus.NewDesc("ivm_external_copy_bytes", "Bytes held by live external copies.", nil, nil),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ivm_timeouts_total",
			Help: "Boundary calls that exceeded their timeout.",
		}),
		disposals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ivm_disposals_total",
			Help: "Agents disposed.",
		}),
		compileFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ivm_compile_failures_total",
			Help: "Scripts and modules that failed to compile.",
		}, []string{"kind"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ivm_linker_resolutions_total",
			Help: "Module requests resolved by linkers, by outcome.",
		}, []string{"outcome"}),
	}
}

// Track starts reporting src under id.
func (c *Collector) Track(id string, src Source) {
	c.mu.Lock()
	c.sources[id] = src
	c.mu.Unlock()
}

// Untrack stops reporting id.
func (c *Collector) Untrack(id string) {
	c.mu.Lock()
	delete(c.sources, id)
	c.mu.Unlock()
}

func (c *Collector) IncTimeout() { c.timeouts.Inc() }
func (c *Collector) IncDisposal() { c.disposals.Inc() }
func (c *Collector) IncCompileFailure(kind string) { c.compileFailures.WithLabelValues(kind).Inc() }
func (c *Collector) ObserveResolution(outcome string) { c.resolutions.WithLabelValues(outcome).Inc() }

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.live
	ch <- c.heapUsed
	ch <- c.heapLimit
	ch <- c.cpu
	ch <- c.wall
	ch <- c.refs
	ch <- c.external
	c.timeouts.Describe(ch)
	c.disposals.Describe(ch)
	c.compileFailures.Describe(ch)
	c.resolutions.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	snapshots := make(map[string]AgentStats, len(c.sources))
	for id, src := range c.sources {
		snapshots[id] = src.MetricsSnapshot()
	}
	c.mu.RUnlock()

	ch <- prometheus.MustNewConstMetric(c.live, prometheus.GaugeValue, float64(len(snapshots)))
	for id, s := range snapshots {
		ch <- prometheus.MustNewConstMetric(c.heapUsed, prometheus.GaugeValue, float64(s.HeapUsed), id, s.Engine)
		ch <- prometheus.MustNewConstMetric(c.heapLimit, prometheus.GaugeValue, float64(s.HeapLimit), id, s.Engine)
		ch <- prometheus.MustNewConstMetric(c.cpu, prometheus.GaugeValue, s.CPUTime.Seconds(), id, s.Engine)
		ch <- prometheus.MustNewConstMetric(c.wall, prometheus.GaugeValue, s.WallTime.Seconds(), id, s.Engine)
		ch <- prometheus.MustNewConstMetric(c.refs, prometheus.GaugeValue, float64(s.References), id, s.Engine)
	}
	if c.extern != nil {
		ch <- prometheus.MustNewConstMetric(c.external, prometheus.GaugeValue, float64(c.extern()))
	}
	c.timeouts.Collect(ch)
	c.disposals.Collect(ch)
	c.compileFailures.Collect(ch)
	c.resolutions.Collect(ch)
}
