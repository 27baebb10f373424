package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memtriage",
		Subsystem: "jobs",
		Name:      "total",
		Help:      "Analysis jobs by terminal status.",
	}, []string{"status"})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "memtriage",
		Subsystem: "jobs",
		Name:      "cache_hits_total",
		Help:      "Requests answered from a previously succeeded job.",
	})

	singleflightJoins = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "memtriage",
		Subsystem: "jobs",
		Name:      "singleflight_joins_total",
		Help:      "Callers that joined an already-running job instead of starting one.",
	})

	engineInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memtriage",
		Subsystem: "engine",
		Name:      "invocations_total",
		Help:      "External engine invocations by plugin and outcome.",
	}, []string{"plugin", "outcome"})

	engineRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "memtriage",
		Subsystem: "engine",
		Name:      "retries_total",
		Help:      "Transient engine failures that were retried.",
	})

	engineSlotsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "memtriage",
		Subsystem: "engine",
		Name:      "slots_in_use",
		Help:      "Engine subprocess slots currently held.",
	})
)
