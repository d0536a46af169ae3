// Package metrics provides Prometheus metrics for the intake pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	SubmissionsAdmitted   prometheus.Counter
	SubmissionsProcessed  prometheus.Counter
	SubmissionsFailed     *prometheus.CounterVec
	DispatchRejected      *prometheus.CounterVec
	ProcessingDuration    prometheus.Histogram
	ActiveTasks           prometheus.Gauge
	DirectoryRetries      *prometheus.CounterVec
	KafkaMessagesProduced prometheus.Counter
	KafkaMessagesConsumed prometheus.Counter
	OutboxPending         prometheus.Gauge

	reg prometheus.Registerer
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		SubmissionsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_submissions_admitted_total",
			Help: "Total submissions persisted as PENDING",
		}),
		SubmissionsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intake_submissions_processed_total",
			Help: "Total submissions archived in the directory",
		}),
		SubmissionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_submissions_failed_total",
			Help: "Total submissions committed as ERROR, by failing stage",
		}, []string{"stage"}),
		DispatchRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_dispatch_rejected_total",
			Help: "Admitted submissions whose processing task could not be queued",
		}, []string{"reason"}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "intake_processing_duration_seconds",
			Help:    "Time from task start to terminal status",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
		ActiveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intake_tasks_active",
			Help: "Processing tasks currently running",
		}),
		DirectoryRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intake_directory_retries_total",
			Help: "Directory calls retried after a transient failure",
		}, []string{"op"}),
		KafkaMessagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		reg: reg,
	}

	reg.MustRegister(
		m.SubmissionsAdmitted,
		m.SubmissionsProcessed,
		m.SubmissionsFailed,
		m.DispatchRejected,
		m.ProcessingDuration,
		m.ActiveTasks,
		m.DirectoryRetries,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
	)

	return m
}

// RegisterQueue exposes the worker pool's queue depth and live worker count
func (m *Metrics) RegisterQueue(depth, workers func() float64) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "intake_queue_depth",
			Help: "Processing tasks waiting for a worker",
		}, depth),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "intake_workers",
			Help: "Live worker goroutines, core and burst",
		}, workers),
	)
}

// Handler returns the Prometheus HTTP handler for g. A nil g serves the
// default registry.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
