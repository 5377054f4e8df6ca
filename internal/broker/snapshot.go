package broker

import (
	"fmt"
	"time"
)

// Snapshot is the persistence-port view of the broker: an entities section
// and a messages section keyed by collection bucket. Lock state is volatile
// and deliberately absent; restore returns leased messages to the backlog.
type Snapshot struct {
	Entities SnapshotEntities      `json:"entities"`
	Messages map[string][]*Message `json:"messages"`
}

// SnapshotEntities holds the entity descriptions.
type SnapshotEntities struct {
	Queues        []SnapshotQueue        `json:"queues"`
	Topics        []SnapshotTopic        `json:"topics"`
	Subscriptions []SnapshotSubscription `json:"subscriptions"`
}

type SnapshotQueue struct {
	Name       string          `json:"name"`
	Properties QueueProperties `json:"properties"`
}

type SnapshotTopic struct {
	Name       string          `json:"name"`
	Properties TopicProperties `json:"properties"`
}

type SnapshotSubscription struct {
	Topic      string                 `json:"topic"`
	Name       string                 `json:"name"`
	Properties SubscriptionProperties `json:"properties"`
	Rules      []*Rule                `json:"rules"`
}

// Message bucket keys within Snapshot.Messages.
func queueBucket(name string) string {
	return fmt.Sprintf("queue_%s", name)
}

func queueDeadLetterBucket(name string) string {
	return fmt.Sprintf("queue_%s_dead_letter", name)
}

func subscriptionBucket(topic, name string) string {
	return fmt.Sprintf("subscription_%s_%s", topic, name)
}

func subscriptionDeadLetterBucket(topic, name string) string {
	return fmt.Sprintf("subscription_%s_%s_dead_letter", topic, name)
}

// buildSnapshot assembles the persisted view. Called under the broker mutex.
func (b *Broker) buildSnapshot() *Snapshot {
	snap := &Snapshot{Messages: make(map[string][]*Message)}

	for _, q := range b.entities.listQueues(0, 0) {
		snap.Entities.Queues = append(snap.Entities.Queues, SnapshotQueue{
			Name:       q.Name,
			Properties: q.Properties,
		})
		snap.Messages[queueBucket(q.Name)] = persistedBacklog(&q.store)
		snap.Messages[queueDeadLetterBucket(q.Name)] = cloneAll(q.store.dead.snapshot())
	}
	for _, t := range b.entities.listTopics(0, 0) {
		snap.Entities.Topics = append(snap.Entities.Topics, SnapshotTopic{
			Name:       t.Name,
			Properties: t.Properties,
		})
		for _, sub := range t.subscriptions {
			snap.Entities.Subscriptions = append(snap.Entities.Subscriptions, SnapshotSubscription{
				Topic:      sub.Topic,
				Name:       sub.Name,
				Properties: sub.Properties,
				Rules:      sub.Rules(),
			})
			snap.Messages[subscriptionBucket(sub.Topic, sub.Name)] = persistedBacklog(&sub.store)
			snap.Messages[subscriptionDeadLetterBucket(sub.Topic, sub.Name)] = cloneAll(sub.store.dead.snapshot())
		}
	}
	return snap
}

// persistedBacklog merges the backlog with the leased messages (locks are
// volatile) and strips lock state from the copies.
func persistedBacklog(store *messageStore) []*Message {
	msgs := append(store.backlog.snapshot(), store.locks.snapshot()...)
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		c := m.Clone()
		c.LockToken = ""
		c.LockedUntil = time.Time{}
		c.Locked = false
		out[i] = c
	}
	// Keep sequence order after merging locked messages back in.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].SequenceNumber > out[j].SequenceNumber; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func cloneAll(msgs []*Message) []*Message {
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// applySnapshot loads entities and collections from a persisted view.
// Called under the broker mutex during init, before any traffic.
func (b *Broker) applySnapshot(snap *Snapshot) error {
	now := b.clock()
	for _, sq := range snap.Entities.Queues {
		q, err := b.entities.createQueue(sq.Name, sq.Properties, now)
		if err != nil {
			return err
		}
		for _, m := range snap.Messages[queueBucket(sq.Name)] {
			q.store.backlog.restore(m.Clone())
		}
		for _, m := range snap.Messages[queueDeadLetterBucket(sq.Name)] {
			q.store.dead.restore(m.Clone())
		}
	}
	for _, st := range snap.Entities.Topics {
		if _, err := b.entities.createTopic(st.Name, st.Properties, now); err != nil {
			return err
		}
	}
	for _, ss := range snap.Entities.Subscriptions {
		sub, err := b.entities.createSubscription(ss.Topic, ss.Name, ss.Properties, now)
		if err != nil {
			return err
		}
		if len(ss.Rules) > 0 {
			sub.rules = append([]*Rule(nil), ss.Rules...)
		}
		for _, m := range snap.Messages[subscriptionBucket(ss.Topic, ss.Name)] {
			sub.store.backlog.restore(m.Clone())
		}
		for _, m := range snap.Messages[subscriptionDeadLetterBucket(ss.Topic, ss.Name)] {
			sub.store.dead.restore(m.Clone())
		}
	}
	return nil
}

// replayLog reapplies mutations recorded after the snapshot. Enqueues are
// idempotent keyed on the message UUID; settlements tolerate missing
// messages (they may have been settled before the snapshot was cut).
func (b *Broker) replayLog(log []Mutation) {
	for _, mut := range log {
		b.replayMutation(mut)
	}
}

func (b *Broker) replayMutation(mut Mutation) {
	now := b.clock()
	switch mut.Kind {
	case MutationCreateQueue:
		props := DefaultQueueProperties()
		if mut.QueueProperties != nil {
			props = *mut.QueueProperties
		}
		_, _ = b.entities.createQueue(mut.Queue, props, now)
	case MutationUpdateQueue:
		if mut.QueueProperties != nil {
			_, _ = b.entities.updateQueue(mut.Queue, *mut.QueueProperties, now)
		}
	case MutationDeleteQueue:
		_ = b.entities.deleteQueue(mut.Queue)
	case MutationCreateTopic:
		props := DefaultTopicProperties()
		if mut.TopicProperties != nil {
			props = *mut.TopicProperties
		}
		_, _ = b.entities.createTopic(mut.Topic, props, now)
	case MutationUpdateTopic:
		if mut.TopicProperties != nil {
			_, _ = b.entities.updateTopic(mut.Topic, *mut.TopicProperties, now)
		}
	case MutationDeleteTopic:
		_ = b.entities.deleteTopic(mut.Topic)
	case MutationCreateSubscription:
		props := DefaultSubscriptionProperties()
		if mut.SubscriptionProperties != nil {
			props = *mut.SubscriptionProperties
		}
		_, _ = b.entities.createSubscription(mut.Topic, mut.Subscription, props, now)
	case MutationUpdateSubscription:
		if mut.SubscriptionProperties != nil {
			_, _ = b.entities.updateSubscription(mut.Topic, mut.Subscription, *mut.SubscriptionProperties, now)
		}
	case MutationDeleteSubscription:
		_ = b.entities.deleteSubscription(mut.Topic, mut.Subscription)
	case MutationAddRule:
		if mut.Filter != nil {
			_, _ = b.entities.addRule(mut.Topic, mut.Subscription, mut.Rule, *mut.Filter, now)
		}
	case MutationUpdateRule:
		if mut.Filter != nil {
			_, _ = b.entities.updateRule(mut.Topic, mut.Subscription, mut.Rule, *mut.Filter)
		}
	case MutationDeleteRule:
		_ = b.entities.deleteRule(mut.Topic, mut.Subscription, mut.Rule)
	case MutationEnqueue:
		if mut.Message != nil {
			b.replayEnqueue(mut)
		}
	case MutationComplete:
		if store := b.replayStore(mut); store != nil {
			b.replayRemove(store, mut.MessageID)
		}
	case MutationDeadLetter:
		if store := b.replayStore(mut); store != nil {
			if m := b.replayRemove(store, mut.MessageID); m != nil {
				store.dead.admit(m, mut.Reason, mut.Description)
			}
		}
	case MutationAbandon:
		// Abandon only bumps delivery state; nothing durable to reapply.
	}
}

func (b *Broker) replayStore(mut Mutation) *messageStore {
	if mut.Queue != "" {
		if q, err := b.entities.getQueue(mut.Queue); err == nil {
			return &q.store
		}
		return nil
	}
	if sub, err := b.entities.getSubscription(mut.Topic, mut.Subscription); err == nil {
		return &sub.store
	}
	return nil
}

func (b *Broker) replayEnqueue(mut Mutation) {
	store := b.replayStore(mut)
	if store == nil {
		return
	}
	if store.backlog.containsID(mut.Message.ID) || store.dead.containsID(mut.Message.ID) {
		return
	}
	store.backlog.restore(mut.Message.Clone())
}

func (b *Broker) replayRemove(store *messageStore, id string) *Message {
	for _, m := range store.backlog.snapshot() {
		if m.ID == id {
			store.backlog.remove(m)
			return m
		}
	}
	return nil
}
