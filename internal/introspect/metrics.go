package introspect

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// callsTotal counts introspector calls by method and outcome.
	// Labels: method, status (ok, not_found, error, degraded, canceled)
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tryton_analyzer",
		Subsystem: "introspector",
		Name:      "calls_total",
		Help:      "Introspector calls by method and outcome",
	}, []string{"method", "status"})

	callSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tryton_analyzer",
		Subsystem: "introspector",
		Name:      "call_seconds",
		Help:      "Introspector round-trip latency",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method"})

	timeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tryton_analyzer",
		Subsystem: "introspector",
		Name:      "timeouts_total",
		Help:      "Introspector calls that exceeded their timeout",
	})

	respawnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tryton_analyzer",
		Subsystem: "introspector",
		Name:      "respawns_total",
		Help:      "Introspector processes restarted after a crash or timeout",
	})

	// cacheLookupsTotal counts metadata cache lookups.
	// Labels: result (hit, miss)
	cacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tryton_analyzer",
		Subsystem: "introspector",
		Name:      "cache_lookups_total",
		Help:      "Client-side metadata cache lookups",
	}, []string{"result"})
)
