package broker

import (
	"time"
)

// AuditRecord is a structured audit event emitted on every state-changing
// operation.
type AuditRecord struct {
	EventType  string            `json:"event_type"`
	EntityType string            `json:"entity_type"`
	EntityName string            `json:"entity_name"`
	User       string            `json:"user,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Version    string            `json:"version"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// AuditSink is a one-way event sink. Implementations must be non-blocking or
// buffered: records are emitted while the broker mutex is held.
type AuditSink interface {
	Emit(record AuditRecord)
}

// MetricsSink receives the broker's counters, histograms and gauges.
// Implementations must be safe for concurrent use and non-blocking.
type MetricsSink interface {
	// RecordSend counts a send/publish and observes duration and size.
	RecordSend(entityType, entityName string, size int, d time.Duration)
	// RecordReceive counts delivered messages and observes receive latency.
	RecordReceive(entityType, entityName string, delivered int, d time.Duration)
	// RecordSettlement counts a complete, abandon, dead_letter or renew.
	RecordSettlement(operation, entityType, entityName string)
	// RecordError counts a failed operation by error code.
	RecordError(operation, entityType, entityName string, code ErrorCode)
	// RecordFilterEvaluation observes one rule-set evaluation during fan-out.
	RecordFilterEvaluation(topic, subscription string, matched bool, d time.Duration)
	// SetMessageGauges refreshes the per-entity message gauges.
	SetMessageGauges(entityType, entityName string, active, scheduled, locked, deadLettered int)
	// SetEntityCounts refreshes the per-kind entity count gauges.
	SetEntityCounts(queues, topics, subscriptions int)
}

// RateLimiter gates send and publish before the broker mutex is acquired.
type RateLimiter interface {
	// Allow reports whether the entity may proceed; when denied, retryAfter
	// hints when the caller should try again.
	Allow(entityType, entityName string) (ok bool, retryAfter time.Duration)
}

// MutationKind tags an append-log entry.
type MutationKind string

const (
	MutationCreateQueue        MutationKind = "create_queue"
	MutationUpdateQueue        MutationKind = "update_queue"
	MutationDeleteQueue        MutationKind = "delete_queue"
	MutationCreateTopic        MutationKind = "create_topic"
	MutationUpdateTopic        MutationKind = "update_topic"
	MutationDeleteTopic        MutationKind = "delete_topic"
	MutationCreateSubscription MutationKind = "create_subscription"
	MutationUpdateSubscription MutationKind = "update_subscription"
	MutationDeleteSubscription MutationKind = "delete_subscription"
	MutationAddRule            MutationKind = "add_rule"
	MutationUpdateRule         MutationKind = "update_rule"
	MutationDeleteRule         MutationKind = "delete_rule"
	MutationEnqueue            MutationKind = "enqueue"
	MutationComplete           MutationKind = "complete"
	MutationAbandon            MutationKind = "abandon"
	MutationDeadLetter         MutationKind = "dead_letter"
)

// Mutation records one state-changing call with enough detail to reapply it.
// Replay is idempotent keyed on the message UUID.
type Mutation struct {
	Kind      MutationKind `json:"kind"`
	Timestamp time.Time    `json:"timestamp"`

	Queue        string `json:"queue,omitempty"`
	Topic        string `json:"topic,omitempty"`
	Subscription string `json:"subscription,omitempty"`
	Rule         string `json:"rule,omitempty"`

	QueueProperties        *QueueProperties        `json:"queue_properties,omitempty"`
	TopicProperties        *TopicProperties        `json:"topic_properties,omitempty"`
	SubscriptionProperties *SubscriptionProperties `json:"subscription_properties,omitempty"`
	Filter                 *Filter                 `json:"filter,omitempty"`

	// Message is the full message for enqueue mutations; settlements carry
	// only MessageID.
	Message     *Message `json:"message,omitempty"`
	MessageID   string   `json:"message_id,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Persistence is the optional snapshot+log store. When absent the broker is
// purely in-memory and state is lost at restart. Implementations must not
// block: AppendLog is called while the broker mutex is held.
type Persistence interface {
	// SaveSnapshot stores a serializable view of entities and collections.
	SaveSnapshot(snap *Snapshot) error
	// AppendLog records one state-changing call.
	AppendLog(mut Mutation) error
	// Restore returns the last snapshot and the log entries recorded after
	// it. ok is false when no state was persisted.
	Restore() (snap *Snapshot, log []Mutation, ok bool, err error)
}

// NopAuditSink discards all records.
type NopAuditSink struct{}

func (NopAuditSink) Emit(AuditRecord) {}

// NopMetricsSink discards all observations.
type NopMetricsSink struct{}

func (NopMetricsSink) RecordSend(string, string, int, time.Duration)              {}
func (NopMetricsSink) RecordReceive(string, string, int, time.Duration)           {}
func (NopMetricsSink) RecordSettlement(string, string, string)                    {}
func (NopMetricsSink) RecordError(string, string, string, ErrorCode)              {}
func (NopMetricsSink) RecordFilterEvaluation(string, string, bool, time.Duration) {}
func (NopMetricsSink) SetMessageGauges(string, string, int, int, int, int)        {}
func (NopMetricsSink) SetEntityCounts(int, int, int)                              {}

// NopRateLimiter admits everything.
type NopRateLimiter struct{}

func (NopRateLimiter) Allow(string, string) (bool, time.Duration) { return true, 0 }
