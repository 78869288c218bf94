package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	IndexRuns          *prometheus.CounterVec
	MessagesIndexed    prometheus.Counter
	ConsolidationRuns  *prometheus.CounterVec
	MemoriesCreated    prometheus.Counter
	MemoriesReinforced prometheus.Counter
	MemoriesLinked     prometheus.Counter
	MemoriesPromoted   prometheus.Counter
	MessagesPruned     prometheus.Counter
	ProviderErrors     *prometheus.CounterVec
	IndexQueueDepth    prometheus.Gauge
	IndexInFlight      prometheus.Gauge
	RunDuration        *prometheus.HistogramVec

	// Stages is a rolling window of pipeline stage latencies, served raw
	// through the stats endpoint for quick diagnosis without a scrape stack.
	Stages *StageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		IndexRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_runs_total",
			Help:      "Index delta runs by outcome.",
		}, []string{"outcome"}),
		MessagesIndexed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_indexed_total",
			Help:      "Transcript messages stored by index runs.",
		}),
		ConsolidationRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidation_runs_total",
			Help:      "Consolidation runs by status.",
		}, []string{"status"}),
		MemoriesCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_created_total",
			Help:      "Memories created by consolidation.",
		}),
		MemoriesReinforced: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_reinforced_total",
			Help:      "Duplicate candidates folded into existing memories.",
		}),
		MemoriesLinked: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_linked_total",
			Help:      "Graph links recorded between memories.",
		}),
		MemoriesPromoted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memories_promoted_total",
			Help:      "Warm memories promoted to the long tier.",
		}),
		MessagesPruned: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_pruned_total",
			Help:      "Raw messages reclaimed by retention passes.",
		}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and operation.",
		}, []string{"provider", "operation"}),
		IndexQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_queue_depth",
			Help:      "Index runs waiting on the admission gate.",
		}),
		IndexInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "index_inflight",
			Help:      "Index runs currently holding an admission slot.",
		}),
		RunDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_ms",
			Help:      "Duration of index and consolidation runs in milliseconds.",
			Buckets:   []float64{50, 200, 500, 1000, 5000, 15000, 60000, 300000},
		}, []string{"kind"}),
		Stages: NewStageWindow(256),
	}
}

func (m *Metrics) ObserveRun(kind string, d time.Duration) {
	m.RunDuration.WithLabelValues(kind).Observe(float64(d.Milliseconds()))
	m.Stages.Observe(kind+"_total", float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
