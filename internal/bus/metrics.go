package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Labels: layer (live, replay, signal), result (ok, error)
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querydesk",
		Subsystem: "bus",
		Name:      "published_total",
		Help:      "Per-team event deliveries by layer",
	}, []string{"layer", "result"})

	liveDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "querydesk",
		Subsystem: "bus",
		Name:      "live_dropped_total",
		Help:      "Live deliveries dropped because a subscriber buffer was full",
	})
)
