package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "area"

var (
	submissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "executor",
		Name:      "submissions_total",
		Help:      "Jobs accepted for execution.",
	})

	queueFullTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "executor",
		Name:      "queue_full_total",
		Help:      "Jobs rejected because their key queue was full.",
	})

	inFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "executor",
		Name:      "in_flight",
		Help:      "Jobs currently running.",
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "executor",
		Name:      "run_duration_seconds",
		Help:      "Job execution latency.",
		Buckets:   prometheus.DefBuckets,
	})

	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "detector",
			Name:      "cycles_total",
			Help:      "Completed poll cycles by final state.",
		},
		[]string{"service", "state"},
	)

	detectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "detector",
			Name:      "detected_events_total",
			Help:      "Events found newer than the pairing cursor.",
		},
		[]string{"service", "trigger"},
	)

	outcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatcher",
			Name:      "outcomes_total",
			Help:      "Reaction attempts by target service, status and reason.",
		},
		[]string{"service", "status", "reason"},
	)

	disconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "engine",
			Name:      "disconnects_total",
			Help:      "Credentials marked disconnected after a failed refresh.",
		},
		[]string{"service"},
	)

	pairingsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "scheduler",
		Name:      "pairings",
		Help:      "Pairings currently scheduled.",
	})
)
