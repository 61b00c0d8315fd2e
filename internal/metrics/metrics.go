package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nuggetfactory_jobs_submitted_total",
			Help: "Total number of generation jobs accepted by a backend",
		},
		[]string{"backend"}, // comfyui, sdapi
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nuggetfactory_jobs_finished_total",
			Help: "Total number of generation jobs by terminal status",
		},
		[]string{"backend", "status"}, // completed, failed, timed_out
	)

	SubmitErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nuggetfactory_submit_errors_total",
			Help: "Total number of submissions refused by the backend",
		},
		[]string{"backend"},
	)

	RetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nuggetfactory_generation_retries_total",
			Help: "Total number of fresh submissions after a transport error or timeout",
		},
	)

	ArtifactsSavedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nuggetfactory_artifacts_saved_total",
			Help: "Total number of images written with their sidecar",
		},
	)

	PersistenceFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nuggetfactory_persistence_failures_total",
			Help: "Total number of artifacts that could not be written",
		},
	)

	PromptFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nuggetfactory_prompt_source_total",
			Help: "Scene prompts by the provider that produced them",
		},
		[]string{"provider"}, // groq, openrouter, static
	)

	// Gauges
	QueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nuggetfactory_queue_tasks",
			Help: "Current number of generation requests by status",
		},
		[]string{"status"},
	)

	RunningGenerations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nuggetfactory_running_generations",
			Help: "Current number of generations being executed",
		},
	)

	// Generation duration from submission to persisted files.
	// Buckets: 1s to ~17min
	GenerationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nuggetfactory_generation_duration_seconds",
			Help:    "Generation duration in seconds, submission to persisted files",
			Buckets: prometheus.ExponentialBuckets(1, 2, 11),
		},
		[]string{"backend", "status"},
	)
)
