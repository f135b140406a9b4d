package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/errorkb/internal/pattern"
)

const metricsNamespace = "errorkb"

type metrics struct {
	cycles        *prometheus.CounterVec
	items         *prometheus.CounterVec
	abandoned     prometheus.Counter
	cycleDuration prometheus.Histogram
	breakerOpen   prometheus.Gauge
}

// newMetrics registers the sync collectors with reg. A nil reg leaves them
// unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Sync cycles run, by result.",
		}, []string{"result"}),
		items: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "items_total",
			Help:      "Records pushed to the central store, by entity and status.",
		}, []string{"entity", "status"}),
		abandoned: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "abandoned_total",
			Help:      "Patterns skipped because the cycle was cancelled or the breaker opened.",
		}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of sync cycles.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		}),
		breakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "breaker_open",
			Help:      "1 while the central circuit breaker refuses calls.",
		}),
	}
}

func (m *metrics) item(entity pattern.EntityType, status pattern.SyncStatus) {
	m.items.WithLabelValues(string(entity), string(status)).Inc()
}

func (m *metrics) observeBreaker(cb *CircuitBreaker) {
	if cb.IsOpen() {
		m.breakerOpen.Set(1)
		return
	}
	m.breakerOpen.Set(0)
}
