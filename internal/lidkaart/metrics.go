package lidkaart

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	requests         *prometheus.CounterVec
	backgroundErrors *prometheus.CounterVec
	precached        prometheus.Gauge
	purged           prometheus.Counter
	syncDeleted      *prometheus.CounterVec
}

// newMetrics registers the engine collectors on reg. A nil reg yields
// unregistered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lidkaart",
			Name:      "requests_total",
			Help:      "Intercepted requests by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		backgroundErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lidkaart",
			Name:      "background_errors_total",
			Help:      "Swallowed cache-layer errors by operation.",
		}, []string{"op"}),
		precached: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "lidkaart",
			Name:      "precached_assets",
			Help:      "Static assets seeded by the last successful install.",
		}),
		purged: f.NewCounter(prometheus.CounterOpts{
			Namespace: "lidkaart",
			Name:      "purged_namespaces_total",
			Help:      "Stale namespaces deleted on activation.",
		}),
		syncDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lidkaart",
			Name:      "sync_deleted_entries_total",
			Help:      "Dynamic entries invalidated by background sync, by tag.",
		}, []string{"tag"}),
	}
}
