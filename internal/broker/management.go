package broker

import (
	"context"
	"time"
)

// QueueDescription is the caller-visible view of a queue.
type QueueDescription struct {
	Name       string          `json:"name"`
	Properties QueueProperties `json:"properties"`
	Runtime    QueueRuntime    `json:"runtime"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// TopicDescription is the caller-visible view of a topic.
type TopicDescription struct {
	Name       string          `json:"name"`
	Properties TopicProperties `json:"properties"`
	Runtime    TopicRuntime    `json:"runtime"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// SubscriptionDescription is the caller-visible view of a subscription.
type SubscriptionDescription struct {
	Topic      string                 `json:"topic"`
	Name       string                 `json:"name"`
	Properties SubscriptionProperties `json:"properties"`
	Runtime    SubscriptionRuntime    `json:"runtime"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// CreateQueue registers a queue. A nil properties pointer applies defaults.
func (b *Broker) CreateQueue(ctx context.Context, name string, props *QueueProperties) (*QueueDescription, error) {
	if err := ValidateQueueName(name); err != nil {
		b.metrics.RecordError("create", EntityTypeQueue, name, CodeOf(err))
		return nil, err
	}
	p := DefaultQueueProperties()
	if props != nil {
		p = applyQueueDefaults(*props)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	q, err := b.entities.createQueue(name, p, now)
	if err != nil {
		b.metrics.RecordError("create", EntityTypeQueue, name, CodeOf(err))
		return nil, err
	}
	b.appendLog(Mutation{Kind: MutationCreateQueue, Timestamp: now, Queue: name, QueueProperties: &p})
	b.emitAudit("queue.created", EntityTypeQueue, name, nil)
	b.refreshEntityCounts()
	b.logOp("create", EntityTypeQueue, name).Info("queue created")
	return describeQueue(q, now), nil
}

// GetQueue returns the queue description.
func (b *Broker) GetQueue(ctx context.Context, name string) (*QueueDescription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, err := b.entities.getQueue(name)
	if err != nil {
		return nil, err
	}
	return describeQueue(q, b.clock()), nil
}

// ListQueues returns queue descriptions sorted by name.
func (b *Broker) ListQueues(ctx context.Context, skip, top int) ([]*QueueDescription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	queues := b.entities.listQueues(skip, top)
	out := make([]*QueueDescription, len(queues))
	for i, q := range queues {
		out[i] = describeQueue(q, now)
	}
	return out, nil
}

// UpdateQueue replaces the queue's configuration.
func (b *Broker) UpdateQueue(ctx context.Context, name string, props QueueProperties) (*QueueDescription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	p := applyQueueDefaults(props)
	q, err := b.entities.updateQueue(name, p, now)
	if err != nil {
		b.metrics.RecordError("update", EntityTypeQueue, name, CodeOf(err))
		return nil, err
	}
	b.appendLog(Mutation{Kind: MutationUpdateQueue, Timestamp: now, Queue: name, QueueProperties: &p})
	b.emitAudit("queue.updated", EntityTypeQueue, name, nil)
	return describeQueue(q, now), nil
}

// DeleteQueue removes the queue and all its message collections.
func (b *Broker) DeleteQueue(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.entities.deleteQueue(name); err != nil {
		b.metrics.RecordError("delete", EntityTypeQueue, name, CodeOf(err))
		return err
	}
	b.appendLog(Mutation{Kind: MutationDeleteQueue, Timestamp: b.clock(), Queue: name})
	b.emitAudit("queue.deleted", EntityTypeQueue, name, nil)
	b.refreshEntityCounts()
	b.logOp("delete", EntityTypeQueue, name).Info("queue deleted")
	return nil
}

// CreateTopic registers a topic. A nil properties pointer applies defaults.
func (b *Broker) CreateTopic(ctx context.Context, name string, props *TopicProperties) (*TopicDescription, error) {
	if err := ValidateTopicName(name); err != nil {
		b.metrics.RecordError("create", EntityTypeTopic, name, CodeOf(err))
		return nil, err
	}
	p := DefaultTopicProperties()
	if props != nil {
		p = applyTopicDefaults(*props)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	t, err := b.entities.createTopic(name, p, now)
	if err != nil {
		b.metrics.RecordError("create", EntityTypeTopic, name, CodeOf(err))
		return nil, err
	}
	b.appendLog(Mutation{Kind: MutationCreateTopic, Timestamp: now, Topic: name, TopicProperties: &p})
	b.emitAudit("topic.created", EntityTypeTopic, name, nil)
	b.refreshEntityCounts()
	b.logOp("create", EntityTypeTopic, name).Info("topic created")
	return describeTopic(t, now), nil
}

// GetTopic returns the topic description.
func (b *Broker) GetTopic(ctx context.Context, name string) (*TopicDescription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, err := b.entities.getTopic(name)
	if err != nil {
		return nil, err
	}
	return describeTopic(t, b.clock()), nil
}

// ListTopics returns topic descriptions sorted by name.
func (b *Broker) ListTopics(ctx context.Context, skip, top int) ([]*TopicDescription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	topics := b.entities.listTopics(skip, top)
	out := make([]*TopicDescription, len(topics))
	for i, t := range topics {
		out[i] = describeTopic(t, now)
	}
	return out, nil
}

// UpdateTopic replaces the topic's configuration.
func (b *Broker) UpdateTopic(ctx context.Context, name string, props TopicProperties) (*TopicDescription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	p := applyTopicDefaults(props)
	t, err := b.entities.updateTopic(name, p, now)
	if err != nil {
		b.metrics.RecordError("update", EntityTypeTopic, name, CodeOf(err))
		return nil, err
	}
	b.appendLog(Mutation{Kind: MutationUpdateTopic, Timestamp: now, Topic: name, TopicProperties: &p})
	b.emitAudit("topic.updated", EntityTypeTopic, name, nil)
	return describeTopic(t, now), nil
}

// DeleteTopic removes the topic. The delete cascades to the topic's
// subscriptions and all their message collections, atomically.
func (b *Broker) DeleteTopic(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.entities.deleteTopic(name); err != nil {
		b.metrics.RecordError("delete", EntityTypeTopic, name, CodeOf(err))
		return err
	}
	b.appendLog(Mutation{Kind: MutationDeleteTopic, Timestamp: b.clock(), Topic: name})
	b.emitAudit("topic.deleted", EntityTypeTopic, name, nil)
	b.refreshEntityCounts()
	b.logOp("delete", EntityTypeTopic, name).Info("topic deleted")
	return nil
}

// CreateSubscription attaches a subscription to a topic. The subscription is
// created with the $Default always-true rule.
func (b *Broker) CreateSubscription(ctx context.Context, topic, name string, props *SubscriptionProperties) (*SubscriptionDescription, error) {
	path := subscriptionPath(topic, name)
	if err := ValidateSubscriptionName(name); err != nil {
		b.metrics.RecordError("create", EntityTypeSubscription, path, CodeOf(err))
		return nil, err
	}
	p := DefaultSubscriptionProperties()
	if props != nil {
		p = applySubscriptionDefaults(*props)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	if p.ForwardTo != "" {
		if _, err := b.entities.getQueue(p.ForwardTo); err != nil {
			return nil, Errorf(ErrCodeInvalidArgument, "forward target queue %q does not exist", p.ForwardTo)
		}
	}
	sub, err := b.entities.createSubscription(topic, name, p, now)
	if err != nil {
		b.metrics.RecordError("create", EntityTypeSubscription, path, CodeOf(err))
		return nil, err
	}
	b.appendLog(Mutation{Kind: MutationCreateSubscription, Timestamp: now,
		Topic: topic, Subscription: name, SubscriptionProperties: &p})
	b.emitAudit("subscription.created", EntityTypeSubscription, path, nil)
	b.refreshEntityCounts()
	b.logOp("create", EntityTypeSubscription, path).Info("subscription created")
	return describeSubscription(sub, now), nil
}

// GetSubscription returns the subscription description.
func (b *Broker) GetSubscription(ctx context.Context, topic, name string) (*SubscriptionDescription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, err := b.entities.getSubscription(topic, name)
	if err != nil {
		return nil, err
	}
	return describeSubscription(sub, b.clock()), nil
}

// ListSubscriptions returns the topic's subscriptions in creation order.
func (b *Broker) ListSubscriptions(ctx context.Context, topic string, skip, top int) ([]*SubscriptionDescription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	subs, err := b.entities.listSubscriptions(topic, skip, top)
	if err != nil {
		return nil, err
	}
	out := make([]*SubscriptionDescription, len(subs))
	for i, sub := range subs {
		out[i] = describeSubscription(sub, now)
	}
	return out, nil
}

// UpdateSubscription replaces the subscription's configuration.
func (b *Broker) UpdateSubscription(ctx context.Context, topic, name string, props SubscriptionProperties) (*SubscriptionDescription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	p := applySubscriptionDefaults(props)
	if p.ForwardTo != "" {
		if _, err := b.entities.getQueue(p.ForwardTo); err != nil {
			return nil, Errorf(ErrCodeInvalidArgument, "forward target queue %q does not exist", p.ForwardTo)
		}
	}
	sub, err := b.entities.updateSubscription(topic, name, p, now)
	if err != nil {
		b.metrics.RecordError("update", EntityTypeSubscription, subscriptionPath(topic, name), CodeOf(err))
		return nil, err
	}
	b.appendLog(Mutation{Kind: MutationUpdateSubscription, Timestamp: now,
		Topic: topic, Subscription: name, SubscriptionProperties: &p})
	b.emitAudit("subscription.updated", EntityTypeSubscription, subscriptionPath(topic, name), nil)
	return describeSubscription(sub, now), nil
}

// DeleteSubscription removes the subscription and its message collections.
func (b *Broker) DeleteSubscription(ctx context.Context, topic, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	path := subscriptionPath(topic, name)
	if err := b.entities.deleteSubscription(topic, name); err != nil {
		b.metrics.RecordError("delete", EntityTypeSubscription, path, CodeOf(err))
		return err
	}
	b.appendLog(Mutation{Kind: MutationDeleteSubscription, Timestamp: b.clock(), Topic: topic, Subscription: name})
	b.emitAudit("subscription.deleted", EntityTypeSubscription, path, nil)
	b.refreshEntityCounts()
	b.logOp("delete", EntityTypeSubscription, path).Info("subscription deleted")
	return nil
}

// AddRule attaches a named filter to a subscription.
func (b *Broker) AddRule(ctx context.Context, topic, subscription, name string, filter Filter) (*Rule, error) {
	if err := ValidateRuleName(name); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	rule, err := b.entities.addRule(topic, subscription, name, filter, now)
	if err != nil {
		b.metrics.RecordError("create", EntityTypeRule, name, CodeOf(err))
		return nil, err
	}
	b.appendLog(Mutation{Kind: MutationAddRule, Timestamp: now,
		Topic: topic, Subscription: subscription, Rule: name, Filter: &filter})
	b.emitAudit("rule.created", EntityTypeRule, name, map[string]string{
		"subscription": subscriptionPath(topic, subscription),
	})
	return &Rule{Name: rule.Name, Filter: rule.Filter, CreatedAt: rule.CreatedAt}, nil
}

// UpdateRule replaces a rule's filter.
func (b *Broker) UpdateRule(ctx context.Context, topic, subscription, name string, filter Filter) (*Rule, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rule, err := b.entities.updateRule(topic, subscription, name, filter)
	if err != nil {
		b.metrics.RecordError("update", EntityTypeRule, name, CodeOf(err))
		return nil, err
	}
	b.appendLog(Mutation{Kind: MutationUpdateRule, Timestamp: b.clock(),
		Topic: topic, Subscription: subscription, Rule: name, Filter: &filter})
	b.emitAudit("rule.updated", EntityTypeRule, name, map[string]string{
		"subscription": subscriptionPath(topic, subscription),
	})
	return &Rule{Name: rule.Name, Filter: rule.Filter, CreatedAt: rule.CreatedAt}, nil
}

// DeleteRule removes a rule from a subscription.
func (b *Broker) DeleteRule(ctx context.Context, topic, subscription, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.entities.deleteRule(topic, subscription, name); err != nil {
		b.metrics.RecordError("delete", EntityTypeRule, name, CodeOf(err))
		return err
	}
	b.appendLog(Mutation{Kind: MutationDeleteRule, Timestamp: b.clock(),
		Topic: topic, Subscription: subscription, Rule: name})
	b.emitAudit("rule.deleted", EntityTypeRule, name, map[string]string{
		"subscription": subscriptionPath(topic, subscription),
	})
	return nil
}

// ListRules returns the subscription's rules in insertion order.
func (b *Broker) ListRules(ctx context.Context, topic, subscription string) ([]*Rule, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rules, err := b.entities.listRules(topic, subscription)
	if err != nil {
		return nil, err
	}
	out := make([]*Rule, len(rules))
	for i, r := range rules {
		out[i] = &Rule{Name: r.Name, Filter: r.Filter, CreatedAt: r.CreatedAt}
	}
	return out, nil
}

func (b *Broker) refreshEntityCounts() {
	queues, topics, subscriptions := b.entities.counts()
	b.metrics.SetEntityCounts(queues, topics, subscriptions)
}

func describeQueue(q *Queue, now time.Time) *QueueDescription {
	return &QueueDescription{
		Name:       q.Name,
		Properties: q.Properties,
		Runtime:    q.Runtime(now),
		CreatedAt:  q.CreatedAt,
		UpdatedAt:  q.UpdatedAt,
	}
}

func describeTopic(t *Topic, now time.Time) *TopicDescription {
	return &TopicDescription{
		Name:       t.Name,
		Properties: t.Properties,
		Runtime:    t.Runtime(now),
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
}

func describeSubscription(s *Subscription, now time.Time) *SubscriptionDescription {
	return &SubscriptionDescription{
		Topic:      s.Topic,
		Name:       s.Name,
		Properties: s.Properties,
		Runtime:    s.Runtime(now),
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

// applyQueueDefaults backfills unset fields with the stock defaults so a
// partial create request behaves like the hosted API.
func applyQueueDefaults(p QueueProperties) QueueProperties {
	def := DefaultQueueProperties()
	if p.MaxSizeBytes <= 0 {
		p.MaxSizeBytes = def.MaxSizeBytes
	}
	if p.DefaultTTL <= 0 {
		p.DefaultTTL = def.DefaultTTL
	}
	if p.LockDuration <= 0 {
		p.LockDuration = def.LockDuration
	}
	if p.MaxDeliveryCount <= 0 {
		p.MaxDeliveryCount = def.MaxDeliveryCount
	}
	return p
}

func applyTopicDefaults(p TopicProperties) TopicProperties {
	def := DefaultTopicProperties()
	if p.MaxSizeBytes <= 0 {
		p.MaxSizeBytes = def.MaxSizeBytes
	}
	if p.DefaultTTL <= 0 {
		p.DefaultTTL = def.DefaultTTL
	}
	return p
}

func applySubscriptionDefaults(p SubscriptionProperties) SubscriptionProperties {
	def := DefaultSubscriptionProperties()
	if p.LockDuration <= 0 {
		p.LockDuration = def.LockDuration
	}
	if p.DefaultTTL <= 0 {
		p.DefaultTTL = def.DefaultTTL
	}
	if p.MaxDeliveryCount <= 0 {
		p.MaxDeliveryCount = def.MaxDeliveryCount
	}
	return p
}
