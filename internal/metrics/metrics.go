package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_runs_started_total",
			Help: "Total number of research runs started",
		},
		[]string{"effort"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_runs_completed_total",
			Help: "Total number of research runs that reached a terminal status",
		},
		[]string{"effort", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_run_duration_seconds",
			Help:    "Research run execution duration in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"effort"},
	)

	StaleRunsReset = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "research_stale_runs_reset_total",
			Help: "Runs force-failed because they exceeded the staleness threshold",
		},
	)

	SearchProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_search_provider_calls_total",
			Help: "Search provider calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	SearchProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_search_provider_latency_seconds",
			Help:    "Search provider call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	ModelFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_model_fallbacks_total",
			Help: "Deterministic fallbacks used instead of model generation, by stage",
		},
		[]string{"stage"},
	)

	SubQuestionSteps = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_sub_question_steps",
			Help:    "Search attempts spent per sub-question",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	QualityScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_quality_score",
			Help:    "Self-assessed quality score of completed runs",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
	)
)
