package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dev.helix.bus/internal/broker"
)

// Metrics collector for HelixBus. Implements broker.MetricsSink.
type Collector struct {
	registry *prometheus.Registry

	// Traffic metrics
	SendDuration    *prometheus.HistogramVec
	SendSize        *prometheus.HistogramVec
	ReceiveDuration *prometheus.HistogramVec
	ReceivedTotal   *prometheus.CounterVec
	Settlements     *prometheus.CounterVec
	Errors          *prometheus.CounterVec

	// Fan-out metrics
	FilterDuration *prometheus.HistogramVec
	FilterMatches  *prometheus.CounterVec

	// State gauges
	ActiveMessages     *prometheus.GaugeVec
	ScheduledMessages  *prometheus.GaugeVec
	LockedMessages     *prometheus.GaugeVec
	DeadLetterMessages *prometheus.GaugeVec
	EntityCounts       *prometheus.GaugeVec
}

// NewCollector creates a collector registered on its own registry so multiple
// collectors can coexist in one process.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		SendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "helixbus_send_duration_seconds",
				Help:    "Send/publish duration in seconds",
				Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
			},
			[]string{"entity_type", "entity_name"},
		),

		SendSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "helixbus_send_size_bytes",
				Help:    "Accepted message size in bytes",
				Buckets: prometheus.ExponentialBuckets(64, 4, 10),
			},
			[]string{"entity_type", "entity_name"},
		),

		ReceiveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "helixbus_receive_duration_seconds",
				Help:    "Receive call duration in seconds",
				Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
			},
			[]string{"entity_type", "entity_name"},
		),

		ReceivedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helixbus_messages_received_total",
				Help: "Total messages delivered to receivers",
			},
			[]string{"entity_type", "entity_name"},
		),

		Settlements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helixbus_settlements_total",
				Help: "Total settlements by operation",
			},
			[]string{"operation", "entity_type", "entity_name"},
		),

		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helixbus_errors_total",
				Help: "Total failed operations by error code",
			},
			[]string{"operation", "entity_type", "code"},
		),

		FilterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "helixbus_filter_evaluation_duration_seconds",
				Help:    "Rule-set evaluation duration during fan-out",
				Buckets: []float64{.000001, .0000025, .000005, .00001, .000025, .00005, .0001, .00025},
			},
			[]string{"topic", "subscription"},
		),

		FilterMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helixbus_filter_evaluations_total",
				Help: "Total rule-set evaluations by outcome",
			},
			[]string{"topic", "subscription", "matched"},
		),

		ActiveMessages: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "helixbus_active_messages",
				Help: "Deliverable backlog messages per entity",
			},
			[]string{"entity_type", "entity_name"},
		),

		ScheduledMessages: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "helixbus_scheduled_messages",
				Help: "Future-scheduled backlog messages per entity",
			},
			[]string{"entity_type", "entity_name"},
		),

		LockedMessages: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "helixbus_locked_messages",
				Help: "Currently leased messages per entity",
			},
			[]string{"entity_type", "entity_name"},
		),

		DeadLetterMessages: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "helixbus_dead_letter_messages",
				Help: "Dead-lettered messages per entity",
			},
			[]string{"entity_type", "entity_name"},
		),

		EntityCounts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "helixbus_entities",
				Help: "Entity counts by kind",
			},
			[]string{"kind"},
		),
	}

	// Register all metrics
	c.registry.MustRegister(c.SendDuration)
	c.registry.MustRegister(c.SendSize)
	c.registry.MustRegister(c.ReceiveDuration)
	c.registry.MustRegister(c.ReceivedTotal)
	c.registry.MustRegister(c.Settlements)
	c.registry.MustRegister(c.Errors)
	c.registry.MustRegister(c.FilterDuration)
	c.registry.MustRegister(c.FilterMatches)
	c.registry.MustRegister(c.ActiveMessages)
	c.registry.MustRegister(c.ScheduledMessages)
	c.registry.MustRegister(c.LockedMessages)
	c.registry.MustRegister(c.DeadLetterMessages)
	c.registry.MustRegister(c.EntityCounts)

	return c
}

// RecordSend implements broker.MetricsSink.
func (c *Collector) RecordSend(entityType, entityName string, size int, d time.Duration) {
	c.SendDuration.WithLabelValues(entityType, entityName).Observe(d.Seconds())
	c.SendSize.WithLabelValues(entityType, entityName).Observe(float64(size))
}

// RecordReceive implements broker.MetricsSink.
func (c *Collector) RecordReceive(entityType, entityName string, delivered int, d time.Duration) {
	c.ReceiveDuration.WithLabelValues(entityType, entityName).Observe(d.Seconds())
	c.ReceivedTotal.WithLabelValues(entityType, entityName).Add(float64(delivered))
}

// RecordSettlement implements broker.MetricsSink.
func (c *Collector) RecordSettlement(operation, entityType, entityName string) {
	c.Settlements.WithLabelValues(operation, entityType, entityName).Inc()
}

// RecordError implements broker.MetricsSink.
func (c *Collector) RecordError(operation, entityType, entityName string, code broker.ErrorCode) {
	c.Errors.WithLabelValues(operation, entityType, string(code)).Inc()
}

// RecordFilterEvaluation implements broker.MetricsSink.
func (c *Collector) RecordFilterEvaluation(topic, subscription string, matched bool, d time.Duration) {
	c.FilterDuration.WithLabelValues(topic, subscription).Observe(d.Seconds())
	outcome := "false"
	if matched {
		outcome = "true"
	}
	c.FilterMatches.WithLabelValues(topic, subscription, outcome).Inc()
}

// SetMessageGauges implements broker.MetricsSink.
func (c *Collector) SetMessageGauges(entityType, entityName string, active, scheduled, locked, deadLettered int) {
	c.ActiveMessages.WithLabelValues(entityType, entityName).Set(float64(active))
	c.ScheduledMessages.WithLabelValues(entityType, entityName).Set(float64(scheduled))
	c.LockedMessages.WithLabelValues(entityType, entityName).Set(float64(locked))
	c.DeadLetterMessages.WithLabelValues(entityType, entityName).Set(float64(deadLettered))
}

// SetEntityCounts implements broker.MetricsSink.
func (c *Collector) SetEntityCounts(queues, topics, subscriptions int) {
	c.EntityCounts.WithLabelValues("queue").Set(float64(queues))
	c.EntityCounts.WithLabelValues("topic").Set(float64(topics))
	c.EntityCounts.WithLabelValues("subscription").Set(float64(subscriptions))
}

// Handler returns the HTTP handler serving this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

var _ broker.MetricsSink = (*Collector)(nil)
