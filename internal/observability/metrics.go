package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wildfire"

// Metrics holds the Prometheus collectors for the analysis service.
type Metrics struct {
	AnalysesTotal    *prometheus.CounterVec // labels: source={cache,fresh,degraded}
	AnalysisDuration prometheus.Histogram

	// Cache store metrics.
	CacheLookups *prometheus.CounterVec // labels: class={fetch,analysis}, result={hit,miss,expired,corrupt}
	CacheWrites  *prometheus.CounterVec // labels: class, outcome={success,lock_timeout,error}

	// Upstream collaborator metrics.
	UpstreamRequests *prometheus.CounterVec   // labels: upstream={fetch,conditions,ai}, outcome={success,error}
	UpstreamDuration *prometheus.HistogramVec // labels: upstream

	DetectionsDropped *prometheus.CounterVec // labels: reason
	AIEnrichment      *prometheus.CounterVec // labels: outcome={success,error,unparsable,skipped}
	BackgroundTasks   *prometheus.CounterVec // labels: outcome={success,error}
	AIEnabled         prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics that are not registered anywhere, so
// tests can build as many as they like.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

// NewUnregisteredMetrics creates Metrics that record but are never exported.
// Components use it when they are built without metrics.
func NewUnregisteredMetrics() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		AnalysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Completed analyses by response source.",
		}, []string{"source"}),
		AnalysisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Duration of one analysis request cycle.",
			Buckets:   []float64{0.005, 0.05, 0.25, 1, 2.5, 5, 10, 30, 60},
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache reads by class and result.",
		}, []string{"class", "result"}),
		CacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Cache writes by class and outcome.",
		}, []string{"class", "outcome"}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Calls to external collaborators by upstream and outcome.",
		}, []string{"upstream", "outcome"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "External collaborator call duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"upstream"}),
		DetectionsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_dropped_total",
			Help:      "Upstream rows left out of normalized output, by reason.",
		}, []string{"reason"}),
		AIEnrichment: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_enrichment_total",
			Help:      "AI enrichment attempts by outcome.",
		}, []string{"outcome"}),
		BackgroundTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_tasks_total",
			Help:      "Post-response tasks by outcome.",
		}, []string{"outcome"}),
		AIEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ai_enrichment_enabled",
			Help:      "1 when an AI generator is configured, 0 otherwise.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.AnalysesTotal,
		m.AnalysisDuration,
		m.CacheLookups,
		m.CacheWrites,
		m.UpstreamRequests,
		m.UpstreamDuration,
		m.DetectionsDropped,
		m.AIEnrichment,
		m.BackgroundTasks,
		m.AIEnabled,
	}
}
