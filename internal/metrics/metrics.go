// Package metrics exposes Prometheus collectors for the payment engine.
// Instrumentation is explicit at component boundaries; there is no
// handler wrapping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhookEventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_webhook_events_received_total",
		Help: "Webhook events that passed signature, replay and schema checks",
	}, []string{"event_type"})

	WebhookEventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_webhook_events_rejected_total",
		Help: "Webhook deliveries rejected before dispatch, by reason",
	}, []string{"reason"})

	WebhookHandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_webhook_handler_errors_total",
		Help: "Dispatch failures after a delivery was accepted",
	}, []string{"event_type"})

	WorkflowsInitiated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_workflows_initiated_total",
		Help: "Payment workflows created",
	})

	WorkflowsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_workflows_completed_total",
		Help: "Payment workflows that reached the completed state",
	})

	WorkflowsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_workflows_failed_total",
		Help: "Payment workflows that reached the failed state",
	})

	WorkflowStepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_workflow_step_failures_total",
		Help: "Workflow initiation failures by step",
	}, []string{"step"})

	MandatesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_mandates_created_total",
		Help: "Mandates created by kind",
	}, []string{"kind"})

	CircuitBreakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_circuit_breaker_rejections_total",
		Help: "Calls rejected by an open circuit breaker",
	}, []string{"breaker"})

	ExternalCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_external_call_duration_seconds",
		Help:    "Duration of calls to the external payment network",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)
