package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shipline",
		Subsystem: "orchestrator",
		Name:      "runs_total",
		Help:      "Orchestration runs by intent and overall status.",
	}, []string{"intent", "status"})

	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "shipline",
		Subsystem: "orchestrator",
		Name:      "phase_duration_seconds",
		Help:      "Time spent in each agent phase.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"phase"})

	sideEffectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shipline",
		Subsystem: "orchestrator",
		Name:      "side_effect_failures_total",
		Help:      "Best-effort history and audit writes that failed.",
	}, []string{"kind"})
)
