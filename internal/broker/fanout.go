package broker

import (
	"context"
	"strconv"
	"time"
)

// Publish fans a message out to the topic's matching subscriptions. Each
// matched subscription receives an independent deep copy carrying the
// published message ID but its own sequence number and delivery state. The
// returned message is the broker's view of the logical publication; its
// sequence number is 0 because the per-subscription copies each have their
// own.
func (b *Broker) Publish(ctx context.Context, topic string, req *SendRequest) (*Message, error) {
	start := time.Now()
	if err := validateSendRequest(req); err != nil {
		b.metrics.RecordError("publish", EntityTypeTopic, topic, CodeOf(err))
		return nil, err
	}
	if size := requestSize(req); size > b.maxMessageSize {
		err := Errorf(ErrCodeMessageTooLarge, "message of %d bytes exceeds the %d byte ceiling", size, b.maxMessageSize)
		b.metrics.RecordError("publish", EntityTypeTopic, topic, err.Code)
		return nil, err
	}
	if err := b.checkRate(EntityTypeTopic, topic); err != nil {
		b.metrics.RecordError("publish", EntityTypeTopic, topic, CodeOf(err))
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, err := b.entities.getTopic(topic)
	if err != nil {
		b.metrics.RecordError("publish", EntityTypeTopic, topic, CodeOf(err))
		return nil, err
	}
	now := b.clock()
	if t.Properties.RequiresDuplicateDetection && req.MessageID != "" {
		if orig := b.topicDuplicate(t, req.MessageID); orig != nil {
			b.logOp("publish", EntityTypeTopic, topic).WithField("message_id", orig.ID).Debug("duplicate publish absorbed")
			return orig.Clone(), nil
		}
	}
	published := newMessage(req, now, t.Properties.DefaultTTL)

	matched := 0
	for _, sub := range t.subscriptions {
		evalStart := time.Now()
		ok := sub.matches(published)
		b.metrics.RecordFilterEvaluation(topic, sub.Name, ok, time.Since(evalStart))
		b.emitAudit("rule.evaluated", EntityTypeSubscription, subscriptionPath(topic, sub.Name), map[string]string{
			"message_id": published.ID,
			"matched":    strconv.FormatBool(ok),
		})
		if !ok {
			continue
		}
		matched++
		b.enqueueCopy(sub, published, now)
	}

	b.emitAudit("message.published", EntityTypeTopic, topic, map[string]string{
		"message_id":    published.ID,
		"matched":       strconv.Itoa(matched),
		"subscriptions": strconv.Itoa(len(t.subscriptions)),
	})
	b.metrics.RecordSend(EntityTypeTopic, topic, requestSize(req), time.Since(start))
	b.logOp("publish", EntityTypeTopic, topic).
		WithField("message_id", published.ID).
		WithField("matched", matched).
		WithField("subscriptions", len(t.subscriptions)).
		Debug("message fanned out")
	return published.Clone(), nil
}

// enqueueCopy places an independent copy of the publication into the
// subscription's backlog, or into the forward target queue when the
// subscription forwards.
func (b *Broker) enqueueCopy(sub *Subscription, published *Message, now time.Time) {
	clone := published.Clone()
	clone.DeliveryCount = 0

	if target := sub.Properties.ForwardTo; target != "" {
		q, err := b.entities.getQueue(target)
		if err != nil {
			// Forward target is validated at configuration time; losing it
			// later drops the copy for this subscription.
			b.logOp("publish", EntityTypeSubscription, subscriptionPath(sub.Topic, sub.Name)).
				WithField("forward_to", target).
				Warn("forward target missing; dropping copy")
			return
		}
		q.store.backlog.append(clone)
		b.appendLog(Mutation{Kind: MutationEnqueue, Timestamp: now, Queue: target, Message: clone.Clone()})
		b.pushQueueGauges(q, now)
		return
	}

	sub.store.backlog.append(clone)
	b.appendLog(Mutation{Kind: MutationEnqueue, Timestamp: now,
		Topic: sub.Topic, Subscription: sub.Name, Message: clone.Clone()})
	b.pushGauges(&sub.store, sub.settings(), now)
}

// topicDuplicate returns the first per-subscription copy of an already
// published message ID, or nil when the ID is unseen.
func (b *Broker) topicDuplicate(t *Topic, id string) *Message {
	for _, sub := range t.subscriptions {
		if m := b.findMessage(&sub.store, id); m != nil {
			return m
		}
	}
	return nil
}
