package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promoforge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promoforge_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Job Metrics
	JobsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "promoforge_jobs_created_total",
			Help: "Total number of generation jobs created",
		},
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promoforge_jobs_completed_total",
			Help: "Total number of finished generation jobs",
		},
		[]string{"status"},
	)

	JobsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "promoforge_jobs_in_progress",
			Help: "Number of jobs currently moving through the pipeline",
		},
	)

	// Stage Metrics
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promoforge_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		},
		[]string{"stage"},
	)

	StageFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promoforge_stage_failures_total",
			Help: "Total number of failed pipeline stages",
		},
		[]string{"stage"},
	)

	StageRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promoforge_stage_retries_total",
			Help: "Total number of retried stage adapter calls",
		},
		[]string{"stage"},
	)

	SceneCallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promoforge_scene_callbacks_total",
			Help: "Total number of scene completion callbacks",
		},
		[]string{"result"},
	)

	// Credit Metrics
	CreditsDeductedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "promoforge_credits_deducted_total",
			Help: "Total credits deducted for completed jobs",
		},
	)

	CreditShortfallsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "promoforge_credit_shortfalls_total",
			Help: "Total requests rejected for insufficient credits",
		},
	)

	// Billing Metrics
	BillingEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promoforge_billing_events_total",
			Help: "Total billing webhook events by type and result",
		},
		[]string{"type", "result"},
	)

	// Sweep Metrics
	SweepActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promoforge_sweep_actions_total",
			Help: "Total reconciliation sweep actions applied",
		},
		[]string{"action"},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "promoforge_sweep_duration_seconds",
			Help:    "Reconciliation sweep run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Queue Metrics
	QueuePublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promoforge_queue_publishes_total",
			Help: "Total generate commands published to the queue",
		},
		[]string{"result"},
	)
)

// RecordHTTPRequest records an HTTP request with its latency
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordJobCompleted records a finished job by terminal status
func RecordJobCompleted(status string) {
	JobsCompletedTotal.WithLabelValues(status).Inc()
}

// RecordStageDuration records a completed stage's duration
func RecordStageDuration(stage string, seconds float64) {
	StageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordStageFailure records a failed stage
func RecordStageFailure(stage string) {
	StageFailuresTotal.WithLabelValues(stage).Inc()
}

// RecordBillingEvent records a processed billing webhook event
func RecordBillingEvent(eventType, result string) {
	BillingEventsTotal.WithLabelValues(eventType, result).Inc()
}

// RecordSweepAction records reconciliation sweep actions of one kind
func RecordSweepAction(action string, count int) {
	SweepActionsTotal.WithLabelValues(action).Add(float64(count))
}
