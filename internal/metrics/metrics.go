// Package metrics holds the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ImportJobsProcessed counts generic job outcomes by type and resulting status.
	ImportJobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_service_import_jobs_total",
		Help: "Generic jobs processed by type and resulting status",
	}, []string{"type", "status"})

	// PipelineJobsProcessed counts pipeline queue outcomes.
	PipelineJobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_service_pipeline_jobs_total",
		Help: "Pipeline queue jobs processed by outcome",
	}, []string{"outcome"}) // outcome: succeeded, requeued, dead_letter, cancelled, insufficient_content

	// PipelineJobDuration tracks how long one pipeline job body runs.
	PipelineJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_service_pipeline_job_duration_seconds",
		Help:    "Duration of pipeline job bodies",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

	// ExpiredLeasesReleased counts stale locks reclaimed before claim passes.
	ExpiredLeasesReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_service_expired_leases_released_total",
		Help: "Pipeline jobs whose expired lease was released back to queued",
	})

	// WebhookEvents counts inbound webhook outcomes.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_service_webhook_events_total",
		Help: "Inbound webhook events by outcome",
	}, []string{"outcome"}) // outcome: processed, duplicate, invalid_signature, failed

	// DeadLetterAlerts counts outbound dead-letter alerts by delivery result.
	DeadLetterAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_service_dead_letter_alerts_total",
		Help: "Outbound dead-letter alert deliveries",
	}, []string{"result"}) // result: sent, dropped
)
