package facade

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memtriage",
		Subsystem: "facade",
		Name:      "requests_total",
		Help:      "Facade operations by name.",
	}, []string{"op"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "memtriage",
		Subsystem: "facade",
		Name:      "admitted_requests",
		Help:      "Processing requests currently holding an admission slot.",
	})

	queueTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "memtriage",
		Subsystem: "facade",
		Name:      "queue_timeouts_total",
		Help:      "Queued processing requests that gave up waiting for admission.",
	})

	findingCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "memtriage",
		Subsystem: "facade",
		Name:      "finding_cache_hits_total",
		Help:      "Anomaly reports served from the derived-findings cache.",
	})
)
