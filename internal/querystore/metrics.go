package querystore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// degradedTotal counts operations served by the cache because the
	// durable store failed. Labels: op (read, write, resolve, seed, hydrate, renumber)
	degradedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querydesk",
		Subsystem: "store",
		Name:      "degraded_total",
		Help:      "Operations that fell back to the in-process cache",
	}, []string{"op"})

	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "querydesk",
		Subsystem: "store",
		Name:      "cache_hits_total",
		Help:      "Lookups answered from the in-process cache",
	}, []string{"op"})
)
