package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cruxflow"

// Cache sources reported by [Metrics.CacheHit].
const (
	SourceMemory = "memory" // Result computed earlier in the same session.
	SourceShared = "shared" // Result of a concurrent in-flight execution.
	SourceIndex  = "index"  // Result loaded from the persistent index.
)

// Prometheus collectors for one engine instance.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry *prometheus.Registry // Registry holding every collector below.

	NodesExecuted *prometheus.CounterVec   // Nodes executed, by kind and outcome.
	NodeDuration  *prometheus.HistogramVec // Execution time of nodes, by kind.
	CacheHits     *prometheus.CounterVec   // Results served without executing, by kind and source.
	Runs          *prometheus.CounterVec   // Scheduler runs, by outcome.
	RunDuration   prometheus.Histogram     // Wall time of scheduler runs.
	ActiveNodes   prometheus.Gauge         // Nodes currently executing.
	ImagePulls    *prometheus.CounterVec   // Image resolutions, by outcome.
	BlobBytes     prometheus.Counter       // Bytes of command output captured into the store.
}

// Creates a set of collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		NodesExecuted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_executed_total",
				Help:      "Total number of graph nodes executed.",
			},
			[]string{"kind", "outcome"},
		),
		NodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Execution time of graph nodes in seconds.",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"kind"},
		),
		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of node results served from cache.",
			},
			[]string{"kind", "source"},
		),
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of scheduler runs.",
			},
			[]string{"outcome"},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of scheduler runs in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ActiveNodes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_nodes",
				Help:      "Number of graph nodes currently executing.",
			},
		),
		ImagePulls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "image_pulls_total",
				Help:      "Total number of image resolutions.",
			},
			[]string{"outcome"},
		),
		BlobBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "captured_output_bytes_total",
				Help:      "Total bytes of command output captured into the store.",
			},
		),
	}
}

// Returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Returns an HTTP handler exposing the collectors.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Records a node execution.
func (m *Metrics) NodeExecuted(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.NodesExecuted.WithLabelValues(kind, outcome(err)).Inc()
	m.NodeDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// Records a result served from cache.
func (m *Metrics) CacheHit(kind, source string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(kind, source).Inc()
}

// Records the start of a node execution and returns a function that records
// its end.
func (m *Metrics) Track() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveNodes.Inc()
	return m.ActiveNodes.Dec
}

// Records a scheduler run.
func (m *Metrics) RunFinished(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(outcome(err)).Inc()
	m.RunDuration.Observe(d.Seconds())
}

// Records an image resolution.
func (m *Metrics) ImagePulled(err error) {
	if m == nil {
		return
	}
	m.ImagePulls.WithLabelValues(outcome(err)).Inc()
}

// Records captured output.
func (m *Metrics) OutputCaptured(n int64) {
	if m == nil {
		return
	}
	m.BlobBytes.Add(float64(n))
}

func outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
