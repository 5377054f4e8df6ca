package broker

import (
	"sort"
	"time"
)

// Quotas caps entity creation per kind. Zero means the per-kind default.
type Quotas struct {
	MaxQueues                int `json:"max_queues" yaml:"max_queues"`
	MaxTopics                int `json:"max_topics" yaml:"max_topics"`
	MaxSubscriptionsPerTopic int `json:"max_subscriptions_per_topic" yaml:"max_subscriptions_per_topic"`
	MaxRulesPerSubscription  int `json:"max_rules_per_subscription" yaml:"max_rules_per_subscription"`
}

// DefaultQuotas returns the stock entity quotas.
func DefaultQuotas() Quotas {
	return Quotas{
		MaxQueues:                10000,
		MaxTopics:                10000,
		MaxSubscriptionsPerTopic: 2000,
		MaxRulesPerSubscription:  2000,
	}
}

type subscriptionKey struct {
	topic string
	name  string
}

// entityStore is the in-memory registry of queues, topics, subscriptions and
// their rules. It performs no locking of its own; every call happens under
// the broker mutex.
type entityStore struct {
	quotas        Quotas
	queues        map[string]*Queue
	topics        map[string]*Topic
	subscriptions map[subscriptionKey]*Subscription
}

func newEntityStore(quotas Quotas) *entityStore {
	def := DefaultQuotas()
	if quotas.MaxQueues <= 0 {
		quotas.MaxQueues = def.MaxQueues
	}
	if quotas.MaxTopics <= 0 {
		quotas.MaxTopics = def.MaxTopics
	}
	if quotas.MaxSubscriptionsPerTopic <= 0 {
		quotas.MaxSubscriptionsPerTopic = def.MaxSubscriptionsPerTopic
	}
	if quotas.MaxRulesPerSubscription <= 0 {
		quotas.MaxRulesPerSubscription = def.MaxRulesPerSubscription
	}
	return &entityStore{
		quotas:        quotas,
		queues:        make(map[string]*Queue),
		topics:        make(map[string]*Topic),
		subscriptions: make(map[subscriptionKey]*Subscription),
	}
}

// Queues

func (s *entityStore) createQueue(name string, props QueueProperties, now time.Time) (*Queue, error) {
	if _, ok := s.queues[name]; ok {
		return nil, entityAlreadyExists(EntityTypeQueue, name)
	}
	if len(s.queues) >= s.quotas.MaxQueues {
		return nil, Errorf(ErrCodeQuotaExceeded, "queue quota of %d reached", s.quotas.MaxQueues)
	}
	q := &Queue{
		Name:       name,
		Properties: props,
		CreatedAt:  now,
		UpdatedAt:  now,
		store:      newMessageStore(),
	}
	s.queues[name] = q
	return q, nil
}

func (s *entityStore) getQueue(name string) (*Queue, error) {
	q, ok := s.queues[name]
	if !ok {
		return nil, entityNotFound(EntityTypeQueue, name)
	}
	return q, nil
}

func (s *entityStore) listQueues(skip, top int) []*Queue {
	names := make([]string, 0, len(s.queues))
	for n := range s.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	names = page(names, skip, top)
	out := make([]*Queue, len(names))
	for i, n := range names {
		out[i] = s.queues[n]
	}
	return out
}

func (s *entityStore) updateQueue(name string, props QueueProperties, now time.Time) (*Queue, error) {
	q, err := s.getQueue(name)
	if err != nil {
		return nil, err
	}
	q.Properties = props
	q.UpdatedAt = now
	return q, nil
}

func (s *entityStore) deleteQueue(name string) error {
	if _, ok := s.queues[name]; !ok {
		return entityNotFound(EntityTypeQueue, name)
	}
	delete(s.queues, name)
	return nil
}

// Topics

func (s *entityStore) createTopic(name string, props TopicProperties, now time.Time) (*Topic, error) {
	if _, ok := s.topics[name]; ok {
		return nil, entityAlreadyExists(EntityTypeTopic, name)
	}
	if len(s.topics) >= s.quotas.MaxTopics {
		return nil, Errorf(ErrCodeQuotaExceeded, "topic quota of %d reached", s.quotas.MaxTopics)
	}
	t := &Topic{
		Name:       name,
		Properties: props,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.topics[name] = t
	return t, nil
}

func (s *entityStore) getTopic(name string) (*Topic, error) {
	t, ok := s.topics[name]
	if !ok {
		return nil, entityNotFound(EntityTypeTopic, name)
	}
	return t, nil
}

func (s *entityStore) listTopics(skip, top int) []*Topic {
	names := make([]string, 0, len(s.topics))
	for n := range s.topics {
		names = append(names, n)
	}
	sort.Strings(names)
	names = page(names, skip, top)
	out := make([]*Topic, len(names))
	for i, n := range names {
		out[i] = s.topics[n]
	}
	return out
}

func (s *entityStore) updateTopic(name string, props TopicProperties, now time.Time) (*Topic, error) {
	t, err := s.getTopic(name)
	if err != nil {
		return nil, err
	}
	t.Properties = props
	t.UpdatedAt = now
	return t, nil
}

// deleteTopic cascades: the topic's subscriptions and all their message
// collections are released atomically.
func (s *entityStore) deleteTopic(name string) error {
	t, ok := s.topics[name]
	if !ok {
		return entityNotFound(EntityTypeTopic, name)
	}
	for _, sub := range t.subscriptions {
		delete(s.subscriptions, subscriptionKey{topic: name, name: sub.Name})
	}
	delete(s.topics, name)
	return nil
}

// Subscriptions

func (s *entityStore) createSubscription(topic, name string, props SubscriptionProperties, now time.Time) (*Subscription, error) {
	t, err := s.getTopic(topic)
	if err != nil {
		return nil, err
	}
	key := subscriptionKey{topic: topic, name: name}
	if _, ok := s.subscriptions[key]; ok {
		return nil, entityAlreadyExists(EntityTypeSubscription, subscriptionPath(topic, name))
	}
	if len(t.subscriptions) >= s.quotas.MaxSubscriptionsPerTopic {
		return nil, Errorf(ErrCodeQuotaExceeded, "subscription quota of %d reached on topic %q",
			s.quotas.MaxSubscriptionsPerTopic, topic)
	}
	sub := &Subscription{
		Topic:      topic,
		Name:       name,
		Properties: props,
		CreatedAt:  now,
		UpdatedAt:  now,
		rules: []*Rule{{
			Name:      DefaultRuleName,
			Filter:    TrueFilter(),
			CreatedAt: now,
		}},
		store: newMessageStore(),
	}
	s.subscriptions[key] = sub
	t.subscriptions = append(t.subscriptions, sub)
	return sub, nil
}

func (s *entityStore) getSubscription(topic, name string) (*Subscription, error) {
	sub, ok := s.subscriptions[subscriptionKey{topic: topic, name: name}]
	if !ok {
		return nil, entityNotFound(EntityTypeSubscription, subscriptionPath(topic, name))
	}
	return sub, nil
}

// listSubscriptions returns the topic's subscriptions in creation order.
func (s *entityStore) listSubscriptions(topic string, skip, top int) ([]*Subscription, error) {
	t, err := s.getTopic(topic)
	if err != nil {
		return nil, err
	}
	return page(t.subscriptions, skip, top), nil
}

func (s *entityStore) updateSubscription(topic, name string, props SubscriptionProperties, now time.Time) (*Subscription, error) {
	sub, err := s.getSubscription(topic, name)
	if err != nil {
		return nil, err
	}
	sub.Properties = props
	sub.UpdatedAt = now
	return sub, nil
}

func (s *entityStore) deleteSubscription(topic, name string) error {
	t, err := s.getTopic(topic)
	if err != nil {
		return err
	}
	key := subscriptionKey{topic: topic, name: name}
	if _, ok := s.subscriptions[key]; !ok {
		return entityNotFound(EntityTypeSubscription, subscriptionPath(topic, name))
	}
	delete(s.subscriptions, key)
	for i, sub := range t.subscriptions {
		if sub.Name == name {
			t.subscriptions = append(t.subscriptions[:i], t.subscriptions[i+1:]...)
			break
		}
	}
	return nil
}

// Rules

func (s *entityStore) addRule(topic, sub, name string, filter Filter, now time.Time) (*Rule, error) {
	subscription, err := s.getSubscription(topic, sub)
	if err != nil {
		return nil, err
	}
	for _, r := range subscription.rules {
		if r.Name == name {
			return nil, Errorf(ErrCodeRuleAlreadyExists, "rule %q already exists on %s", name, subscriptionPath(topic, sub))
		}
	}
	if len(subscription.rules) >= s.quotas.MaxRulesPerSubscription {
		return nil, Errorf(ErrCodeQuotaExceeded, "rule quota of %d reached on %s",
			s.quotas.MaxRulesPerSubscription, subscriptionPath(topic, sub))
	}
	rule := &Rule{Name: name, Filter: filter, CreatedAt: now}
	subscription.rules = append(subscription.rules, rule)
	return rule, nil
}

func (s *entityStore) updateRule(topic, sub, name string, filter Filter) (*Rule, error) {
	subscription, err := s.getSubscription(topic, sub)
	if err != nil {
		return nil, err
	}
	for _, r := range subscription.rules {
		if r.Name == name {
			r.Filter = filter
			return r, nil
		}
	}
	return nil, Errorf(ErrCodeRuleNotFound, "rule %q does not exist on %s", name, subscriptionPath(topic, sub))
}

func (s *entityStore) deleteRule(topic, sub, name string) error {
	subscription, err := s.getSubscription(topic, sub)
	if err != nil {
		return err
	}
	for i, r := range subscription.rules {
		if r.Name == name {
			subscription.rules = append(subscription.rules[:i], subscription.rules[i+1:]...)
			return nil
		}
	}
	return Errorf(ErrCodeRuleNotFound, "rule %q does not exist on %s", name, subscriptionPath(topic, sub))
}

func (s *entityStore) listRules(topic, sub string) ([]*Rule, error) {
	subscription, err := s.getSubscription(topic, sub)
	if err != nil {
		return nil, err
	}
	return subscription.Rules(), nil
}

// counts returns the entity totals for the entity-count gauges.
func (s *entityStore) counts() (queues, topics, subscriptions int) {
	return len(s.queues), len(s.topics), len(s.subscriptions)
}

// page applies skip/top windowing to a slice. top <= 0 means no limit.
func page[T any](items []T, skip, top int) []T {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(items) {
		return nil
	}
	items = items[skip:]
	if top > 0 && top < len(items) {
		items = items[:top]
	}
	out := make([]T, len(items))
	copy(out, items)
	return out
}
