package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Event and queue metrics
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_events_emitted_total",
			Help: "Total number of events emitted",
		},
		[]string{"event_type", "origin"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "heron_queue_depth",
			Help: "Pending workflow activations in the priority queue",
		},
	)

	ActivationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_activations_dropped_total",
			Help: "Activations removed from the queue before execution",
		},
		[]string{"reason"},
	)

	// Workflow run metrics
	WorkflowRunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_workflow_runs_started_total",
			Help: "Total number of workflow runs started",
		},
		[]string{"workflow"},
	)

	WorkflowRunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_workflow_runs_completed_total",
			Help: "Total number of workflow runs completed",
		},
		[]string{"workflow", "status"},
	)

	WorkflowRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "heron_workflow_run_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow"},
	)

	StateCommits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "heron_state_commits_total",
			Help: "Total number of state document commits",
		},
	)

	// Ingestion buffer metrics
	BufferEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "heron_buffer_entries",
			Help: "Entries currently held in the ingestion buffer",
		},
	)

	BufferBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "heron_buffer_bytes",
			Help: "Bytes currently held in the ingestion buffer",
		},
	)

	BufferEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "heron_buffer_evictions_total",
			Help: "Entries evicted oldest-first to stay under buffer caps",
		},
	)

	FlushAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_flush_attempts_total",
			Help: "Delivery attempts from the buffer to the sink",
		},
		[]string{"result"},
	)

	DLQPromotions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "heron_dlq_promotions_total",
			Help: "Entries moved to the dead letter queue after exhausting retries",
		},
	)

	// Source metrics
	SourceEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_source_events_total",
			Help: "Observations received per source",
		},
		[]string{"source", "kind"},
	)

	SourceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_source_errors_total",
			Help: "Errors encountered per source",
		},
		[]string{"source", "kind"},
	)

	// HTTP API metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heron_http_requests_total",
			Help: "HTTP API requests",
		},
		[]string{"path", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "heron_http_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)
)

// RecordWorkflowRun records one completed run in the run counters and the
// duration histogram.
func RecordWorkflowRun(workflow, status string, durationSeconds float64) {
	WorkflowRunsCompleted.WithLabelValues(workflow, status).Inc()
	WorkflowRunDuration.WithLabelValues(workflow).Observe(durationSeconds)
}

// RecordFlush records one delivery attempt outcome.
func RecordFlush(success bool) {
	if success {
		FlushAttempts.WithLabelValues("success").Inc()
	} else {
		FlushAttempts.WithLabelValues("failure").Inc()
	}
}

// UpdateBufferGauges sets the buffer occupancy gauges.
func UpdateBufferGauges(entries int, bytes int64) {
	BufferEntries.Set(float64(entries))
	BufferBytes.Set(float64(bytes))
}
