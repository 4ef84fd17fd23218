// Package metrics provides the Prometheus metrics of the MSH.
//
// All recording methods accept a nil *Metrics, so components can be used
// without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "msh"

// Metrics contains the MSH metrics
type Metrics struct {
	StateTransitions   *prometheus.CounterVec
	StorageDuration    *prometheus.HistogramVec
	RetryDecisions     *prometheus.CounterVec
	SchedulerCycles    *prometheus.CounterVec
	DuplicatesDetected prometheus.Counter
	ReceiptsCreated    *prometheus.CounterVec
	ValidationRuns     *prometheus.CounterVec
	Deliveries         *prometheus.CounterVec
	Transmissions      *prometheus.CounterVec
	HandlerFailures    prometheus.Counter
}

// New creates the metrics and registers them with reg. A nil registerer
// leaves the metrics unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "state_transitions_total",
				Help:      "State change requests by requested state and outcome",
			},
			[]string{"state", "outcome"},
		),

		StorageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "operation_duration_seconds",
				Help:      "Storage provider operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		RetryDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reliability",
				Name:      "retry_decisions_total",
				Help:      "Retransmission scheduler decisions per message unit",
			},
			[]string{"decision"},
		),

		SchedulerCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reliability",
				Name:      "scheduler_cycles_total",
				Help:      "Completed background scheduler cycles",
			},
			[]string{"scheduler", "status"},
		),

		DuplicatesDetected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reliability",
				Name:      "duplicates_total",
				Help:      "Inbound user messages detected as duplicates",
			},
		),

		ReceiptsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "receipts",
				Name:      "created_total",
				Help:      "Receipts created by type",
			},
			[]string{"type"},
		),

		ValidationRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "validation",
				Name:      "runs_total",
				Help:      "Custom validation runs by result",
			},
			[]string{"result"},
		),

		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "deliveries_total",
				Help:      "Back-end deliveries by message kind and status",
			},
			[]string{"kind", "status"},
		),

		Transmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "transmissions_total",
				Help:      "Transmission attempts by message kind and status",
			},
			[]string{"kind", "status"},
		),

		HandlerFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "handler_failures_total",
				Help:      "Event handler invocations that failed or panicked",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.StateTransitions,
			m.StorageDuration,
			m.RetryDecisions,
			m.SchedulerCycles,
			m.DuplicatesDetected,
			m.ReceiptsCreated,
			m.ValidationRuns,
			m.Deliveries,
			m.Transmissions,
			m.HandlerFailures,
		)
	}
	return m
}

// RecordTransition counts a state change request
func (m *Metrics) RecordTransition(state, outcome string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(state, outcome).Inc()
}

// ObserveStorage records the duration of a storage operation
func (m *Metrics) ObserveStorage(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.StorageDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RecordRetryDecision counts a retransmission scheduler decision
func (m *Metrics) RecordRetryDecision(decision string) {
	if m == nil {
		return
	}
	m.RetryDecisions.WithLabelValues(decision).Inc()
}

// RecordCycle counts a background scheduler cycle
func (m *Metrics) RecordCycle(scheduler, status string) {
	if m == nil {
		return
	}
	m.SchedulerCycles.WithLabelValues(scheduler, status).Inc()
}

// RecordDuplicate counts a detected duplicate
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.DuplicatesDetected.Inc()
}

// RecordReceipt counts a created receipt
func (m *Metrics) RecordReceipt(receiptType string) {
	if m == nil {
		return
	}
	m.ReceiptsCreated.WithLabelValues(receiptType).Inc()
}

// RecordValidation counts a validation run
func (m *Metrics) RecordValidation(result string) {
	if m == nil {
		return
	}
	m.ValidationRuns.WithLabelValues(result).Inc()
}

// RecordDelivery counts a back-end delivery attempt
func (m *Metrics) RecordDelivery(kind, status string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(kind, status).Inc()
}

// RecordTransmission counts a transmission attempt
func (m *Metrics) RecordTransmission(kind, status string) {
	if m == nil {
		return
	}
	m.Transmissions.WithLabelValues(kind, status).Inc()
}

// RecordHandlerFailure counts a failed event handler invocation
func (m *Metrics) RecordHandlerFailure() {
	if m == nil {
		return
	}
	m.HandlerFailures.Inc()
}
