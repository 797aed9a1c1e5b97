package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CacheMetrics holds all Prometheus metrics for the tenant cache and stores.
type CacheMetrics struct {
	CachedTenants   prometheus.Gauge
	FetchesTotal    *prometheus.CounterVec
	SweepEvictions  *prometheus.CounterVec
	TextMutations   *prometheus.CounterVec
	DecodeFailures  prometheus.Counter
	BannedTenants   prometheus.Gauge
	BroadcastsTotal *prometheus.CounterVec
}

// NewCacheMetrics initializes the metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	factory := promauto.With(reg)
	return &CacheMetrics{
		CachedTenants: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "markov_tower",
			Subsystem: "cache",
			Name:      "cached_tenants",
			Help:      "Number of tenant stores currently held in memory.",
		}),
		FetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "markov_tower",
			Subsystem: "cache",
			Name:      "fetches_total",
			Help:      "Total number of tenant store fetches by result.",
		}, []string{"result"}), // result: hit, miss, error
		SweepEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "markov_tower",
			Subsystem: "cache",
			Name:      "sweep_evictions_total",
			Help:      "Total number of idle entries evicted by the sweeper.",
		}, []string{"kind"}), // kind: tenant, track
		TextMutations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "markov_tower",
			Subsystem: "store",
			Name:      "text_mutations_total",
			Help:      "Total number of corpus mutations by operation and status.",
		}, []string{"op", "status"}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "markov_tower",
			Subsystem: "store",
			Name:      "decode_failures_total",
			Help:      "Total number of stored texts skipped because they failed to decrypt.",
		}),
		BannedTenants: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "markov_tower",
			Subsystem: "bans",
			Name:      "banned_tenants",
			Help:      "Number of tenants in the local replicated ban set.",
		}),
		BroadcastsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "markov_tower",
			Subsystem: "bans",
			Name:      "broadcasts_total",
			Help:      "Total number of ban broadcasts by direction.",
		}, []string{"direction"}), // direction: sent, received, send_error
	}
}

// ObserveMutation records the outcome of one corpus mutation. Safe on nil.
func (m *CacheMetrics) ObserveMutation(op string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.TextMutations.WithLabelValues(op, status).Inc()
}
