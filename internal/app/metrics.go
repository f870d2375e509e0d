package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queriesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "querydesk",
		Name:      "queries_created_total",
		Help:      "Individual queries raised",
	})

	// Labels: method, status
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "querydesk",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "status"})

	streamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "querydesk",
		Subsystem: "http",
		Name:      "stream_clients",
		Help:      "Open live update streams",
	})
)
