package broker

import "time"

// Entity type labels used in errors, audit records and metrics.
const (
	EntityTypeQueue        = "queue"
	EntityTypeTopic        = "topic"
	EntityTypeSubscription = "subscription"
	EntityTypeRule         = "rule"
)

// QueueProperties is the caller-configurable part of a queue.
type QueueProperties struct {
	// MaxSizeBytes caps the total accounted size of queued messages.
	MaxSizeBytes int64 `json:"max_size_bytes"`
	// DefaultTTL applies to messages sent without an explicit TTL.
	DefaultTTL time.Duration `json:"default_ttl"`
	// LockDuration is the lease length granted by peek-lock receives.
	LockDuration time.Duration `json:"lock_duration"`
	// RequiresSession reserves the queue for session-aware consumers.
	RequiresSession bool `json:"requires_session"`
	// RequiresDuplicateDetection enables send-side dedup on message ID.
	RequiresDuplicateDetection bool `json:"requires_duplicate_detection"`
	// DeadLetterOnExpiry routes TTL-expired messages to the dead-letter
	// sink instead of dropping them.
	DeadLetterOnExpiry bool `json:"dead_letter_on_expiry"`
	// MaxDeliveryCount is the delivery attempt limit before dead-lettering.
	MaxDeliveryCount int32 `json:"max_delivery_count"`
}

// DefaultQueueProperties returns the queue defaults applied when a create
// request leaves fields unset.
func DefaultQueueProperties() QueueProperties {
	return QueueProperties{
		MaxSizeBytes:     1024 * 1024 * 1024,
		DefaultTTL:       14 * 24 * time.Hour,
		LockDuration:     60 * time.Second,
		MaxDeliveryCount: 10,
	}
}

// QueueRuntime is the runtime counter snapshot of a queue.
type QueueRuntime struct {
	// ActiveCount is the number of deliverable backlog messages.
	ActiveCount int `json:"active_count"`
	// ScheduledCount is the number of future-scheduled backlog messages.
	ScheduledCount int `json:"scheduled_count"`
	// LockedCount is the number of currently leased messages.
	LockedCount int `json:"locked_count"`
	// DeadLetterCount is the number of dead-lettered messages.
	DeadLetterCount int `json:"dead_letter_count"`
	// SizeBytes is the accounted size of backlog plus locked messages.
	SizeBytes int64 `json:"size_bytes"`
}

// Queue is a named entity with a backlog, a lock table and a dead-letter
// sink of its own.
type Queue struct {
	Name       string          `json:"name"`
	Properties QueueProperties `json:"properties"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`

	store messageStore
}

// Runtime computes the queue's runtime counters at the given instant.
func (q *Queue) Runtime(now time.Time) QueueRuntime {
	active, scheduled := q.store.backlog.countVisible(now)
	return QueueRuntime{
		ActiveCount:     active,
		ScheduledCount:  scheduled,
		LockedCount:     q.store.locks.len(),
		DeadLetterCount: q.store.dead.len(),
		SizeBytes:       q.store.backlog.sizeBytes() + q.store.locks.sizeBytes(),
	}
}

func (q *Queue) settings() entitySettings {
	return entitySettings{
		entityType:         EntityTypeQueue,
		entityName:         q.Name,
		lockDuration:       q.Properties.LockDuration,
		maxDeliveryCount:   q.Properties.MaxDeliveryCount,
		defaultTTL:         q.Properties.DefaultTTL,
		deadLetterOnExpiry: q.Properties.DeadLetterOnExpiry,
		maxSizeBytes:       q.Properties.MaxSizeBytes,
	}
}

// TopicProperties is the caller-configurable part of a topic.
type TopicProperties struct {
	// MaxSizeBytes caps the accounted size across the topic's subscriptions.
	MaxSizeBytes int64 `json:"max_size_bytes"`
	// DefaultTTL applies to publications without an explicit TTL.
	DefaultTTL time.Duration `json:"default_ttl"`
	// RequiresDuplicateDetection enables publish-side dedup on message ID.
	RequiresDuplicateDetection bool `json:"requires_duplicate_detection"`
	// SupportsOrdering preserves publish order within each subscription.
	SupportsOrdering bool `json:"supports_ordering"`
}

// DefaultTopicProperties returns the topic defaults.
func DefaultTopicProperties() TopicProperties {
	return TopicProperties{
		MaxSizeBytes: 1024 * 1024 * 1024,
		DefaultTTL:   14 * 24 * time.Hour,
	}
}

// TopicRuntime is the runtime counter snapshot of a topic.
type TopicRuntime struct {
	// SubscriptionCount is the number of subscriptions under the topic.
	SubscriptionCount int `json:"subscription_count"`
	// ScheduledCount aggregates scheduled messages across subscriptions.
	ScheduledCount int `json:"scheduled_count"`
}

// Topic fans publications out to its subscriptions. It owns them: deleting
// the topic cascades.
type Topic struct {
	Name       string          `json:"name"`
	Properties TopicProperties `json:"properties"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`

	// subscriptions in creation order; fan-out iterates this slice so the
	// order is stable.
	subscriptions []*Subscription
}

// Runtime computes the topic's runtime counters at the given instant.
func (t *Topic) Runtime(now time.Time) TopicRuntime {
	scheduled := 0
	for _, s := range t.subscriptions {
		_, sc := s.store.backlog.countVisible(now)
		scheduled += sc
	}
	return TopicRuntime{
		SubscriptionCount: len(t.subscriptions),
		ScheduledCount:    scheduled,
	}
}

// SubscriptionProperties is the caller-configurable part of a subscription.
type SubscriptionProperties struct {
	// LockDuration is the lease length granted by peek-lock receives.
	LockDuration time.Duration `json:"lock_duration"`
	// RequiresSession reserves the subscription for session-aware consumers.
	RequiresSession bool `json:"requires_session"`
	// DefaultTTL applies to fanned-out copies without an explicit TTL.
	DefaultTTL time.Duration `json:"default_ttl"`
	// AutoDeleteOnIdle removes the subscription after the idle window.
	AutoDeleteOnIdle time.Duration `json:"auto_delete_on_idle"`
	// DeadLetterOnExpiry routes TTL-expired copies to the dead-letter sink.
	DeadLetterOnExpiry bool `json:"dead_letter_on_expiry"`
	// MaxDeliveryCount is the delivery attempt limit before dead-lettering.
	MaxDeliveryCount int32 `json:"max_delivery_count"`
	// ForwardTo redirects matched publications into the named queue.
	ForwardTo string `json:"forward_to,omitempty"`
}

// DefaultSubscriptionProperties returns the subscription defaults.
func DefaultSubscriptionProperties() SubscriptionProperties {
	return SubscriptionProperties{
		LockDuration:     60 * time.Second,
		DefaultTTL:       14 * 24 * time.Hour,
		MaxDeliveryCount: 10,
	}
}

// SubscriptionRuntime is the runtime counter snapshot of a subscription.
type SubscriptionRuntime struct {
	ActiveCount     int   `json:"active_count"`
	ScheduledCount  int   `json:"scheduled_count"`
	LockedCount     int   `json:"locked_count"`
	DeadLetterCount int   `json:"dead_letter_count"`
	SizeBytes       int64 `json:"size_bytes"`
}

// Subscription is a named attachment to a topic with its own filtered
// backlog. Its composite identity is (topic name, subscription name).
type Subscription struct {
	Topic      string                 `json:"topic"`
	Name       string                 `json:"name"`
	Properties SubscriptionProperties `json:"properties"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`

	// rules in insertion order. A fresh subscription carries one $Default
	// rule whose filter is always-true.
	rules []*Rule

	store messageStore
}

// Runtime computes the subscription's runtime counters at the given instant.
func (s *Subscription) Runtime(now time.Time) SubscriptionRuntime {
	active, scheduled := s.store.backlog.countVisible(now)
	return SubscriptionRuntime{
		ActiveCount:     active,
		ScheduledCount:  scheduled,
		LockedCount:     s.store.locks.len(),
		DeadLetterCount: s.store.dead.len(),
		SizeBytes:       s.store.backlog.sizeBytes() + s.store.locks.sizeBytes(),
	}
}

// Rules returns a snapshot of the subscription's rules in insertion order.
func (s *Subscription) Rules() []*Rule {
	out := make([]*Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// matches reports whether any rule of the subscription matches the message.
// A subscription with no rules behaves as if it had a single always-true
// rule. The first match ends evaluation.
func (s *Subscription) matches(m *Message) bool {
	if len(s.rules) == 0 {
		return true
	}
	for _, r := range s.rules {
		if r.Filter.Matches(m) {
			return true
		}
	}
	return false
}

func (s *Subscription) settings() entitySettings {
	return entitySettings{
		entityType:         EntityTypeSubscription,
		entityName:         subscriptionPath(s.Topic, s.Name),
		lockDuration:       s.Properties.LockDuration,
		maxDeliveryCount:   s.Properties.MaxDeliveryCount,
		defaultTTL:         s.Properties.DefaultTTL,
		deadLetterOnExpiry: s.Properties.DeadLetterOnExpiry,
		maxSizeBytes:       0,
	}
}

// subscriptionPath renders the composite identity for logs, metrics and
// persistence keys.
func subscriptionPath(topic, name string) string {
	return topic + "/" + name
}

// entitySettings is the lifecycle-relevant configuration of a queue or
// subscription, resolved once under the broker mutex.
type entitySettings struct {
	entityType         string
	entityName         string
	lockDuration       time.Duration
	maxDeliveryCount   int32
	defaultTTL         time.Duration
	deadLetterOnExpiry bool
	maxSizeBytes       int64
}

// messageStore bundles the three per-entity message collections. A message
// lives in exactly one of them at any instant.
type messageStore struct {
	backlog *backlog
	locks   *lockTable
	dead    *deadLetters
}

func newMessageStore() messageStore {
	return messageStore{
		backlog: newBacklog(),
		locks:   newLockTable(),
		dead:    newDeadLetters(),
	}
}
