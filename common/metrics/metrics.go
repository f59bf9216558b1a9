// Package metrics exposes the Prometheus instrumentation shared across the
// transport, consumer pipeline, saga runtime and routing slip executor.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TransportMetrics instruments broker.Transport.
type TransportMetrics struct {
	MessagesPublished *prometheus.CounterVec
	PublishErrors     *prometheus.CounterVec
	ReplyDuration     prometheus.Histogram
	ReplyTimeouts     prometheus.Counter
	Reconnects        prometheus.Counter
}

// PipelineMetrics instruments consumer.Pipeline.
type PipelineMetrics struct {
	MessagesConsumed *prometheus.CounterVec
	HandlerDuration  *prometheus.HistogramVec
	Retries          *prometheus.CounterVec
	Redeliveries     *prometheus.CounterVec
	Deadlettered     *prometheus.CounterVec
	ValidationFaults *prometheus.CounterVec
}

// SagaMetrics instruments saga.Machine.
type SagaMetrics struct {
	Transitions      *prometheus.CounterVec
	VersionConflicts prometheus.Counter
	Finalized        prometheus.Counter
	CompensationsRun prometheus.Counter
}

// RoutingSlipMetrics instruments routingslip.Executor.
type RoutingSlipMetrics struct {
	ActivityDuration    *prometheus.HistogramVec
	ActivitiesFaulted   prometheus.Counter
	SlipsCompleted      prometheus.Counter
	SlipsFaulted        prometheus.Counter
	CompensationsFailed prometheus.Counter
}

func NewTransportMetrics(namespace string) *TransportMetrics {
	return &TransportMetrics{
		MessagesPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: namespace + "_bus_messages_published_total",
			Help: "Total number of messages published to the broker.",
		}, []string{"message_type"}),
		PublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: namespace + "_bus_publish_errors_total",
			Help: "Total number of publish failures.",
		}, []string{"message_type"}),
		ReplyDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    namespace + "_bus_reply_duration_seconds",
			Help:    "Latency of publishAsync request/reply round trips.",
			Buckets: prometheus.DefBuckets,
		}),
		ReplyTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: namespace + "_bus_reply_timeouts_total",
			Help: "Total number of publishAsync calls that timed out.",
		}),
		Reconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: namespace + "_bus_reconnects_total",
			Help: "Total number of broker reconnect attempts.",
		}),
	}
}

func NewPipelineMetrics(namespace string) *PipelineMetrics {
	return &PipelineMetrics{
		MessagesConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: namespace + "_bus_messages_consumed_total",
			Help: "Total number of messages consumed, by outcome.",
		}, []string{"queue", "outcome"}),
		HandlerDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    namespace + "_bus_handler_duration_seconds",
			Help:    "Consumer handler execution duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		Retries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: namespace + "_bus_retries_total",
			Help: "Total number of in-memory (level 1) retries.",
		}, []string{"queue"}),
		Redeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: namespace + "_bus_redeliveries_total",
			Help: "Total number of delayed (level 2) redeliveries.",
		}, []string{"queue"}),
		Deadlettered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: namespace + "_bus_deadlettered_total",
			Help: "Total number of messages routed to an error queue.",
		}, []string{"queue"}),
		ValidationFaults: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: namespace + "_bus_validation_faults_total",
			Help: "Total number of permanent validation faults.",
		}, []string{"queue"}),
	}
}

func NewSagaMetrics(namespace string) *SagaMetrics {
	return &SagaMetrics{
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: namespace + "_bus_saga_transitions_total",
			Help: "Total number of saga state transitions, by target state.",
		}, []string{"saga", "state"}),
		VersionConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: namespace + "_bus_saga_version_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts on save.",
		}),
		Finalized: promauto.NewCounter(prometheus.CounterOpts{
			Name: namespace + "_bus_saga_finalized_total",
			Help: "Total number of saga instances that reached FINALIZE.",
		}),
		CompensationsRun: promauto.NewCounter(prometheus.CounterOpts{
			Name: namespace + "_bus_saga_compensations_total",
			Help: "Total number of saga compensation activities replayed.",
		}),
	}
}

func NewRoutingSlipMetrics(namespace string) *RoutingSlipMetrics {
	return &RoutingSlipMetrics{
		ActivityDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    namespace + "_bus_activity_duration_seconds",
			Help:    "Routing slip activity execution duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"activity"}),
		ActivitiesFaulted: promauto.NewCounter(prometheus.CounterOpts{
			Name: namespace + "_bus_activities_faulted_total",
			Help: "Total number of activity faults.",
		}),
		SlipsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: namespace + "_bus_slips_completed_total",
			Help: "Total number of routing slips that completed.",
		}),
		SlipsFaulted: promauto.NewCounter(prometheus.CounterOpts{
			Name: namespace + "_bus_slips_faulted_total",
			Help: "Total number of routing slips that faulted.",
		}),
		CompensationsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: namespace + "_bus_compensations_failed_total",
			Help: "Total number of compensation steps that themselves failed.",
		}),
	}
}

// RecordHandler records a consumer handler invocation's outcome and duration.
func (m *PipelineMetrics) RecordHandler(queue, outcome string, d time.Duration) {
	m.MessagesConsumed.WithLabelValues(queue, outcome).Inc()
	m.HandlerDuration.WithLabelValues(queue).Observe(d.Seconds())
}

// RecordActivity records a routing slip activity's execution duration.
func (m *RoutingSlipMetrics) RecordActivity(name string, d time.Duration) {
	m.ActivityDuration.WithLabelValues(name).Observe(d.Seconds())
}

// RecordTransition records a saga instance settling into state after
// processing an event.
func (m *SagaMetrics) RecordTransition(saga, state string) {
	m.Transitions.WithLabelValues(saga, state).Inc()
}

// RecordVersionConflict records an optimistic concurrency conflict on save.
func (m *SagaMetrics) RecordVersionConflict() {
	m.VersionConflicts.Inc()
}

// RecordFinalized records a saga instance reaching FINALIZE.
func (m *SagaMetrics) RecordFinalized() {
	m.Finalized.Inc()
}

// RecordCompensation records one successfully replayed compensation activity.
func (m *SagaMetrics) RecordCompensation() {
	m.CompensationsRun.Inc()
}
