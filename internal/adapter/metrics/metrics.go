package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "query_compat"

// PipelineMetrics holds the Prometheus metrics of every pipeline stage. A nil
// *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	TuplesTotal         *prometheus.CounterVec
	StatementsPublished prometheus.Counter
	IngestTotal         *prometheus.CounterVec
	CounterUpdates      *prometheus.CounterVec
	ValidationsTotal    *prometheus.CounterVec
	ReportsTotal        *prometheus.CounterVec
	WALActive           prometheus.Gauge
	APIKeyCacheHits     prometheus.Counter
	APIKeyCacheMisses   prometheus.Counter
}

// NewPipelineMetrics initializes the metrics and registers them with reg.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)
	return &PipelineMetrics{
		TuplesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "tuples_total",
			Help:      "Total number of captured tuples by status.",
		}, []string{"status"}), // status: normalized, malformed, unmatched_execute, rejected, publish_error
		StatementsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "statements_published_total",
			Help:      "Total number of normalized statements published to the work queue.",
		}),
		IngestTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "statements_total",
			Help:      "Total number of dequeued statements by result.",
		}, []string{"result"}), // result: inserted, duplicate, failed, dead_lettered
		CounterUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "counter_updates_total",
			Help:      "Total number of guarded task counter updates by outcome.",
		}, []string{"counter", "outcome"}),
		ValidationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validate",
			Name:      "entries_total",
			Help:      "Total number of validated log entries by status.",
		}, []string{"status"}), // status: Checked, Failed, skipped, error
		ReportsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "report",
			Name:      "reports_total",
			Help:      "Total number of report generation attempts by result.",
		}, []string{"result"}),
		WALActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "wal_active_gauge",
			Help:      "Indicates if the Write-Ahead Log is currently active (1 for active, 0 for inactive).",
		}),
		APIKeyCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "api_key_cache_hits_total",
			Help:      "Total number of API key cache hits.",
		}),
		APIKeyCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "api_key_cache_misses_total",
			Help:      "Total number of API key cache misses.",
		}),
	}
}

func (m *PipelineMetrics) Tuple(status string) {
	if m != nil {
		m.TuplesTotal.WithLabelValues(status).Inc()
	}
}

func (m *PipelineMetrics) Published() {
	if m != nil {
		m.StatementsPublished.Inc()
	}
}

func (m *PipelineMetrics) Ingest(result string, n int) {
	if m != nil && n > 0 {
		m.IngestTotal.WithLabelValues(result).Add(float64(n))
	}
}

func (m *PipelineMetrics) CounterUpdate(counter, outcome string) {
	if m != nil {
		m.CounterUpdates.WithLabelValues(counter, outcome).Inc()
	}
}

func (m *PipelineMetrics) Validation(status string) {
	if m != nil {
		m.ValidationsTotal.WithLabelValues(status).Inc()
	}
}

func (m *PipelineMetrics) Report(result string) {
	if m != nil {
		m.ReportsTotal.WithLabelValues(result).Inc()
	}
}

func (m *PipelineMetrics) SetWALActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.WALActive.Set(1)
	} else {
		m.WALActive.Set(0)
	}
}

func (m *PipelineMetrics) APIKeyCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.APIKeyCacheHits.Inc()
	} else {
		m.APIKeyCacheMisses.Inc()
	}
}
