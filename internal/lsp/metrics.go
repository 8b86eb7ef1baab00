package lsp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestsTotal counts editor messages by method and outcome.
	// Labels: method, status (ok, error, canceled)
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tryton_analyzer",
		Subsystem: "lsp",
		Name:      "requests_total",
		Help:      "Editor requests and notifications by method and outcome",
	}, []string{"method", "status"})

	requestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tryton_analyzer",
		Subsystem: "lsp",
		Name:      "request_seconds",
		Help:      "Time spent answering editor requests",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5},
	}, []string{"method"})

	openDocuments = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tryton_analyzer",
		Subsystem: "lsp",
		Name:      "open_documents",
		Help:      "Documents currently open in the editor",
	})
)
