// Package telemetry holds the Prometheus collectors exported on /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerwatch_webhooks_received_total",
		Help: "Inbound webhook deliveries by outcome (accepted, duplicate, rejected).",
	}, []string{"outcome"})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerwatch_events_processed_total",
		Help: "Processed event attempts by event type and outcome (completed, retried, dead).",
	}, []string{"event_type", "outcome"})

	EventsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerwatch_events_reaped_total",
		Help: "Events returned to the queue after exceeding the processing timeout.",
	})

	EventProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgerwatch_event_processing_duration_ms",
		Help:    "Handler latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 10000},
	}, []string{"event_type"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledgerwatch_queue_events",
		Help: "Webhook events by processing state, sampled by the reaper.",
	}, []string{"state"})

	RateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerwatch_ratelimit_denials_total",
		Help: "Requests rejected by the rate limiter by endpoint class and reason (limit, lockout).",
	}, []string{"endpoint", "reason"})

	ReconciliationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerwatch_reconciliation_runs_total",
		Help: "Finished reconciliation runs by variant and status.",
	}, []string{"variant", "status"})

	DiscrepanciesFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerwatch_discrepancies_total",
		Help: "Discrepancies written by completed reconciliation runs, by kind.",
	}, []string{"kind"})

	AnomaliesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerwatch_anomalies_opened_total",
		Help: "Anomalies created by the detector, by type.",
	}, []string{"type"})

	AnomaliesResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerwatch_anomalies_resolved_total",
		Help: "Anomalies resolved, by how (auto, manual).",
	}, []string{"how"})

	WorkersBusy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledgerwatch_worker_busy",
		Help: "Tasks currently running, by worker pool.",
	}, []string{"pool"})

	WorkerPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerwatch_worker_panics_total",
		Help: "Task panics recovered, by worker pool.",
	}, []string{"pool"})

	MetricBucketsRecomputed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgerwatch_metric_buckets_recomputed_total",
		Help: "Metric bucket recomputations written by the aggregation engine.",
	})
)
