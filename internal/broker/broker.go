// Package broker implements an in-process message broker compatible with a
// hosted queue/topic/subscription messaging API: peek-lock and
// receive-and-delete delivery, lock-token leases with expiry reclamation, a
// dead-letter pipeline and filtered topic fan-out.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// auditVersion tags emitted audit records.
const auditVersion = "1"

// Options configures a Broker. Zero-valued ports default to no-ops; a nil
// Persistence keeps the broker purely in memory.
type Options struct {
	// Quotas caps entity creation per kind.
	Quotas Quotas
	// MaxMessageSizeBytes is the accepted message size ceiling.
	MaxMessageSizeBytes int
	// Logger receives structured operation logs.
	Logger logrus.FieldLogger
	// Audit receives one event per state-changing operation.
	Audit AuditSink
	// Metrics receives counters, histograms and gauges.
	Metrics MetricsSink
	// RateLimiter gates send and publish per entity.
	RateLimiter RateLimiter
	// Persistence is the optional snapshot+log store.
	Persistence Persistence
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// DefaultMaxMessageSizeBytes is the stock message size ceiling.
const DefaultMaxMessageSizeBytes = 1024 * 1024

// Broker is the lifecycle engine. A single broker-wide mutex serializes all
// observable state transitions; no suspension on external I/O happens inside
// the critical section, so the ports must be non-blocking or buffered.
type Broker struct {
	mu       sync.Mutex
	entities *entityStore

	maxMessageSize int
	logger         logrus.FieldLogger
	audit          AuditSink
	metrics        MetricsSink
	limiter        RateLimiter
	persist        Persistence
	clock          func() time.Time
}

// New builds a broker and, when a persistence port is configured, restores
// the last snapshot and replays the append log.
func New(opts Options) (*Broker, error) {
	b := &Broker{
		entities:       newEntityStore(opts.Quotas),
		maxMessageSize: opts.MaxMessageSizeBytes,
		logger:         opts.Logger,
		audit:          opts.Audit,
		metrics:        opts.Metrics,
		limiter:        opts.RateLimiter,
		persist:        opts.Persistence,
		clock:          opts.Clock,
	}
	if b.maxMessageSize <= 0 {
		b.maxMessageSize = DefaultMaxMessageSizeBytes
	}
	if b.logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		b.logger = l
	}
	if b.audit == nil {
		b.audit = NopAuditSink{}
	}
	if b.metrics == nil {
		b.metrics = NopMetricsSink{}
	}
	if b.limiter == nil {
		b.limiter = NopRateLimiter{}
	}
	if b.clock == nil {
		b.clock = time.Now
	}

	if b.persist != nil {
		snap, log, ok, err := b.persist.Restore()
		if err != nil {
			return nil, NewError(ErrCodeInternal, "restoring persisted state").WithCause(err)
		}
		if ok {
			b.mu.Lock()
			if snap != nil {
				if err := b.applySnapshot(snap); err != nil {
					b.mu.Unlock()
					return nil, NewError(ErrCodeInternal, "applying persisted snapshot").WithCause(err)
				}
			}
			b.replayLog(log)
			b.mu.Unlock()
		}
	}
	return b, nil
}

// EntityRef addresses a queue or a subscription for receive and settlement
// operations.
type EntityRef struct {
	Queue        string `json:"queue,omitempty"`
	Topic        string `json:"topic,omitempty"`
	Subscription string `json:"subscription,omitempty"`
}

// QueueRef addresses a queue.
func QueueRef(name string) EntityRef {
	return EntityRef{Queue: name}
}

// SubscriptionRef addresses a subscription under a topic.
func SubscriptionRef(topic, subscription string) EntityRef {
	return EntityRef{Topic: topic, Subscription: subscription}
}

// String renders the ref for logs.
func (r EntityRef) String() string {
	if r.Queue != "" {
		return r.Queue
	}
	return subscriptionPath(r.Topic, r.Subscription)
}

// resolve maps a ref to its message collections and lifecycle settings.
// Callers hold the broker mutex.
func (b *Broker) resolve(ref EntityRef) (*messageStore, entitySettings, error) {
	if ref.Queue != "" {
		q, err := b.entities.getQueue(ref.Queue)
		if err != nil {
			return nil, entitySettings{}, err
		}
		return &q.store, q.settings(), nil
	}
	sub, err := b.entities.getSubscription(ref.Topic, ref.Subscription)
	if err != nil {
		return nil, entitySettings{}, err
	}
	return &sub.store, sub.settings(), nil
}

// Send appends a message to a queue's backlog, assigning its sequence number
// and enqueued time.
func (b *Broker) Send(ctx context.Context, queue string, req *SendRequest) (*Message, error) {
	start := time.Now()
	if err := validateSendRequest(req); err != nil {
		b.metrics.RecordError("send", EntityTypeQueue, queue, CodeOf(err))
		return nil, err
	}
	if size := requestSize(req); size > b.maxMessageSize {
		err := Errorf(ErrCodeMessageTooLarge, "message of %d bytes exceeds the %d byte ceiling", size, b.maxMessageSize)
		b.metrics.RecordError("send", EntityTypeQueue, queue, err.Code)
		return nil, err
	}
	if err := b.checkRate(EntityTypeQueue, queue); err != nil {
		b.metrics.RecordError("send", EntityTypeQueue, queue, CodeOf(err))
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.entities.getQueue(queue)
	if err != nil {
		b.metrics.RecordError("send", EntityTypeQueue, queue, CodeOf(err))
		return nil, err
	}
	now := b.clock()
	size := int64(requestSize(req))
	if q.Properties.MaxSizeBytes > 0 {
		rt := q.Runtime(now)
		if rt.SizeBytes+size > q.Properties.MaxSizeBytes {
			err := Errorf(ErrCodeQuotaExceeded, "queue %q is full (%d of %d bytes)", queue, rt.SizeBytes, q.Properties.MaxSizeBytes)
			b.metrics.RecordError("send", EntityTypeQueue, queue, err.Code)
			return nil, err
		}
	}
	if q.Properties.RequiresDuplicateDetection && req.MessageID != "" {
		if orig := b.findMessage(&q.store, req.MessageID); orig != nil {
			// Duplicate sends are absorbed, not failed: the caller observes
			// success and the stored original is the result.
			b.logOp("send", EntityTypeQueue, queue).WithField("message_id", orig.ID).Debug("duplicate send absorbed")
			return orig.Clone(), nil
		}
	}

	m := newMessage(req, now, q.Properties.DefaultTTL)
	q.store.backlog.append(m)

	b.appendLog(Mutation{Kind: MutationEnqueue, Timestamp: now, Queue: queue, Message: m.Clone()})
	b.emitAudit("message.sent", EntityTypeQueue, queue, map[string]string{
		"message_id": m.ID,
	})
	b.metrics.RecordSend(EntityTypeQueue, queue, int(size), time.Since(start))
	b.pushQueueGauges(q, now)
	b.logOp("send", EntityTypeQueue, queue).
		WithField("message_id", m.ID).
		WithField("sequence_number", m.SequenceNumber).
		Debug("message enqueued")
	return m.Clone(), nil
}

// Receive delivers up to max messages from a queue or subscription backlog
// in FIFO order. Peek-lock leases each message under a fresh lock token;
// receive-and-delete removes them outright. Returning fewer than max
// messages, including zero, is legitimate.
func (b *Broker) Receive(ctx context.Context, ref EntityRef, mode ReceiveMode, max int) ([]*Message, error) {
	start := time.Now()
	if max <= 0 {
		max = 1
	}
	if mode != ReceiveModePeekLock && mode != ReceiveModeReceiveAndDelete {
		return nil, Errorf(ErrCodeInvalidArgument, "unknown receive mode %q", string(mode))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	store, settings, err := b.resolve(ref)
	if err != nil {
		b.metrics.RecordError("receive", refEntityType(ref), ref.String(), CodeOf(err))
		return nil, err
	}
	now := b.clock()
	b.reclaimExpiredLocks(store, settings, now)
	b.expireMessages(store, settings, now)

	var out []*Message
	for len(out) < max {
		m := store.backlog.head(now)
		if m == nil {
			break
		}
		store.backlog.remove(m)
		m.DeliveryCount++
		if mode == ReceiveModeReceiveAndDelete {
			// Destructive delivery removes the message for good; the log must
			// record that or a restart would resurrect it.
			b.appendLog(Mutation{Kind: MutationComplete, Timestamp: now, Queue: ref.Queue,
				Topic: ref.Topic, Subscription: ref.Subscription, MessageID: m.ID})
			out = append(out, m.Clone())
			continue
		}
		if settings.maxDeliveryCount > 0 && m.DeliveryCount > settings.maxDeliveryCount {
			// Never hand out an attempt past the limit; route to the sink.
			store.dead.admit(m, DeadLetterReasonMaxDelivery, "delivery count exceeded the configured limit")
			b.appendLog(Mutation{Kind: MutationDeadLetter, Timestamp: now, Queue: ref.Queue,
				Topic: ref.Topic, Subscription: ref.Subscription, MessageID: m.ID,
				Reason: DeadLetterReasonMaxDelivery})
			continue
		}
		store.locks.grant(m, now, settings.lockDuration)
		out = append(out, m.Clone())
	}

	b.metrics.RecordReceive(settings.entityType, settings.entityName, len(out), time.Since(start))
	b.pushGauges(store, settings, now)
	b.logOp("receive", settings.entityType, settings.entityName).
		WithField("mode", string(mode)).
		WithField("delivered", len(out)).
		Debug("messages delivered")
	return out, nil
}

// Peek returns backlog messages from the given sequence number onward
// without touching delivery or lock state.
func (b *Broker) Peek(ctx context.Context, ref EntityRef, fromSequence int64, max int) ([]*Message, error) {
	if max <= 0 {
		max = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	store, _, err := b.resolve(ref)
	if err != nil {
		return nil, err
	}
	var out []*Message
	for _, m := range store.backlog.snapshot() {
		if m.SequenceNumber < fromSequence {
			continue
		}
		out = append(out, m.Clone())
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

// Complete settles a leased message: the message is removed for good.
func (b *Broker) Complete(ctx context.Context, ref EntityRef, messageID, lockToken string) error {
	return b.settle(ref, messageID, lockToken, "complete", "", "")
}

// Abandon releases a lease. The message returns to the tail of the backlog
// unless its delivery count has reached the limit, in which case it is
// dead-lettered.
func (b *Broker) Abandon(ctx context.Context, ref EntityRef, messageID, lockToken string) error {
	return b.settle(ref, messageID, lockToken, "abandon", "", "")
}

// DeadLetter settles a leased message into the dead-letter sink with a
// caller-provided reason and description.
func (b *Broker) DeadLetter(ctx context.Context, ref EntityRef, messageID, lockToken, reason, description string) error {
	return b.settle(ref, messageID, lockToken, "dead_letter", reason, description)
}

// RenewLock extends a lease by one lock duration from now and returns the
// new deadline.
func (b *Broker) RenewLock(ctx context.Context, ref EntityRef, messageID, lockToken string) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	store, settings, err := b.resolve(ref)
	if err != nil {
		b.metrics.RecordError("renew", refEntityType(ref), ref.String(), CodeOf(err))
		return time.Time{}, err
	}
	now := b.clock()
	l := store.locks.lookup(lockToken)
	if l == nil {
		b.metrics.RecordError("renew", settings.entityType, settings.entityName, ErrCodeMessageLockLost)
		return time.Time{}, lockLost(lockToken)
	}
	if messageID != "" && l.message.ID != messageID {
		b.metrics.RecordError("renew", settings.entityType, settings.entityName, ErrCodeMessageNotFound)
		return time.Time{}, Errorf(ErrCodeMessageNotFound, "lock token does not belong to message %q", messageID).WithMessageID(messageID)
	}
	if now.After(l.deadline) {
		b.reclaimExpiredLease(store, settings, lockToken, now)
		b.metrics.RecordError("renew", settings.entityType, settings.entityName, ErrCodeMessageLockLost)
		return time.Time{}, lockLost(lockToken)
	}
	deadline, ok := store.locks.renew(lockToken, now, settings.lockDuration)
	if !ok {
		return time.Time{}, NewError(ErrCodeInternal, "lease vanished during renew")
	}
	b.metrics.RecordSettlement("renew", settings.entityType, settings.entityName)
	b.emitAudit("lock.renewed", settings.entityType, settings.entityName, map[string]string{
		"message_id": l.message.ID,
	})
	return deadline, nil
}

// ListDeadLetter returns a page of the entity's dead-letter sink in
// admission order. This is a listing, not a delivery: no lock state changes.
func (b *Broker) ListDeadLetter(ctx context.Context, ref EntityRef, skip, top int) ([]*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	store, _, err := b.resolve(ref)
	if err != nil {
		return nil, err
	}
	msgs := store.dead.list(skip, top)
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out, nil
}

// settle implements complete, abandon and dead-letter. The caller must have
// observed the lock token from a receive; presenting the message ID as well
// is required and a mismatch fails with MessageNotFound.
func (b *Broker) settle(ref EntityRef, messageID, lockToken, op, reason, description string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	store, settings, err := b.resolve(ref)
	if err != nil {
		b.metrics.RecordError(op, refEntityType(ref), ref.String(), CodeOf(err))
		return err
	}
	now := b.clock()
	l := store.locks.lookup(lockToken)
	if l == nil {
		b.metrics.RecordError(op, settings.entityType, settings.entityName, ErrCodeMessageLockLost)
		return lockLost(lockToken)
	}
	if messageID != "" && l.message.ID != messageID {
		b.metrics.RecordError(op, settings.entityType, settings.entityName, ErrCodeMessageNotFound)
		return Errorf(ErrCodeMessageNotFound, "lock token does not belong to message %q", messageID).WithMessageID(messageID)
	}
	if now.After(l.deadline) {
		// The lease is gone; the message flows back through the abandon
		// path and the caller learns the lock was lost.
		b.reclaimExpiredLease(store, settings, lockToken, now)
		b.metrics.RecordError(op, settings.entityType, settings.entityName, ErrCodeMessageLockLost)
		return lockLost(lockToken)
	}

	m := store.locks.release(lockToken)
	if m == nil {
		b.logOp(op, settings.entityType, settings.entityName).Error("lease vanished while settling; invariant violated")
		return NewError(ErrCodeInternal, "lease vanished while settling")
	}

	switch op {
	case "complete":
		b.appendLog(Mutation{Kind: MutationComplete, Timestamp: now, Queue: ref.Queue,
			Topic: ref.Topic, Subscription: ref.Subscription, MessageID: m.ID})
		b.emitAudit("message.completed", settings.entityType, settings.entityName, map[string]string{
			"message_id": m.ID,
		})
	case "abandon":
		b.abandonMessage(store, settings, m, now)
	case "dead_letter":
		store.dead.admit(m, reason, description)
		b.appendLog(Mutation{Kind: MutationDeadLetter, Timestamp: now, Queue: ref.Queue,
			Topic: ref.Topic, Subscription: ref.Subscription, MessageID: m.ID,
			Reason: reason, Description: description})
		b.emitAudit("message.dead_lettered", settings.entityType, settings.entityName, map[string]string{
			"message_id": m.ID,
			"reason":     reason,
		})
	}

	b.metrics.RecordSettlement(op, settings.entityType, settings.entityName)
	b.pushGauges(store, settings, now)
	b.logOp(op, settings.entityType, settings.entityName).
		WithField("message_id", m.ID).
		Debug("message settled")
	return nil
}

// abandonMessage applies the abandon decision: dead-letter at the delivery
// limit, otherwise reinsert at the tail (the message loses its position).
func (b *Broker) abandonMessage(store *messageStore, settings entitySettings, m *Message, now time.Time) {
	if settings.maxDeliveryCount > 0 && m.DeliveryCount >= settings.maxDeliveryCount {
		store.dead.admit(m, DeadLetterReasonMaxDelivery, "delivery count reached the configured limit")
		b.appendLog(Mutation{Kind: MutationDeadLetter, Timestamp: now,
			Queue: queueNameOf(settings), Topic: topicOf(settings), Subscription: subscriptionOf(settings),
			MessageID: m.ID, Reason: DeadLetterReasonMaxDelivery})
		b.emitAudit("message.dead_lettered", settings.entityType, settings.entityName, map[string]string{
			"message_id": m.ID,
			"reason":     DeadLetterReasonMaxDelivery,
		})
		return
	}
	store.backlog.reinsert(m)
	b.appendLog(Mutation{Kind: MutationAbandon, Timestamp: now,
		Queue: queueNameOf(settings), Topic: topicOf(settings), Subscription: subscriptionOf(settings),
		MessageID: m.ID})
	b.emitAudit("message.abandoned", settings.entityType, settings.entityName, map[string]string{
		"message_id": m.ID,
	})
}

// reclaimExpiredLocks processes every expired lease of the entity as if the
// caller had abandoned it. Runs lazily at every receive and opportunistically
// from background maintenance; repeated sweeps are idempotent.
func (b *Broker) reclaimExpiredLocks(store *messageStore, settings entitySettings, now time.Time) {
	for _, token := range store.locks.expiredTokens(now) {
		b.reclaimExpiredLease(store, settings, token, now)
	}
}

func (b *Broker) reclaimExpiredLease(store *messageStore, settings entitySettings, token string, now time.Time) {
	m := store.locks.release(token)
	if m == nil {
		return
	}
	b.logOp("lock_expired", settings.entityType, settings.entityName).
		WithField("message_id", m.ID).
		Debug("lease expired; reclaiming")
	b.abandonMessage(store, settings, m, now)
}

// expireMessages drops TTL-expired backlog messages, dead-lettering them
// when the entity is configured to.
func (b *Broker) expireMessages(store *messageStore, settings entitySettings, now time.Time) {
	var expired []*Message
	for _, m := range store.backlog.snapshot() {
		if m.expired(now) {
			expired = append(expired, m)
		}
	}
	for _, m := range expired {
		store.backlog.remove(m)
		if settings.deadLetterOnExpiry {
			store.dead.admit(m, DeadLetterReasonTTLExpired, "message expired before delivery")
			b.appendLog(Mutation{Kind: MutationDeadLetter, Timestamp: now,
				Queue: queueNameOf(settings), Topic: topicOf(settings), Subscription: subscriptionOf(settings),
				MessageID: m.ID, Reason: DeadLetterReasonTTLExpired})
			continue
		}
		b.appendLog(Mutation{Kind: MutationComplete, Timestamp: now,
			Queue: queueNameOf(settings), Topic: topicOf(settings), Subscription: subscriptionOf(settings),
			MessageID: m.ID})
	}
}

// SweepExpiredLocks reclaims expired leases across every entity. Correctness
// does not depend on it: the receive path sweeps lazily per entity.
func (b *Broker) SweepExpiredLocks() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	for _, q := range b.entities.listQueues(0, 0) {
		b.reclaimExpiredLocks(&q.store, q.settings(), now)
	}
	for _, t := range b.entities.listTopics(0, 0) {
		for _, sub := range t.subscriptions {
			b.reclaimExpiredLocks(&sub.store, sub.settings(), now)
		}
	}
}

// RefreshGauges pushes all entity gauges to the metrics sink.
func (b *Broker) RefreshGauges() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	for _, q := range b.entities.listQueues(0, 0) {
		b.pushQueueGauges(q, now)
	}
	for _, t := range b.entities.listTopics(0, 0) {
		for _, sub := range t.subscriptions {
			b.pushGauges(&sub.store, sub.settings(), now)
		}
	}
	queues, topics, subscriptions := b.entities.counts()
	b.metrics.SetEntityCounts(queues, topics, subscriptions)
}

// SaveSnapshot pushes the current state through the persistence port.
func (b *Broker) SaveSnapshot() error {
	if b.persist == nil {
		return nil
	}
	b.mu.Lock()
	snap := b.buildSnapshot()
	b.mu.Unlock()
	return b.persist.SaveSnapshot(snap)
}

func (b *Broker) checkRate(entityType, entityName string) error {
	ok, retryAfter := b.limiter.Allow(entityType, entityName)
	if ok {
		return nil
	}
	return Errorf(ErrCodeQuotaExceeded, "rate limit exceeded for %s %q, retry after %s",
		entityType, entityName, retryAfter).WithEntity(entityType, entityName)
}

func (b *Broker) appendLog(mut Mutation) {
	if b.persist == nil {
		return
	}
	if err := b.persist.AppendLog(mut); err != nil {
		b.logger.WithError(err).WithField("mutation", string(mut.Kind)).Warn("append log failed")
	}
}

func (b *Broker) emitAudit(eventType, entityType, entityName string, fields map[string]string) {
	b.audit.Emit(AuditRecord{
		EventType:  eventType,
		EntityType: entityType,
		EntityName: entityName,
		Timestamp:  b.clock(),
		Version:    auditVersion,
		Fields:     fields,
	})
}

func (b *Broker) logOp(op, entityType, entityName string) *logrus.Entry {
	return b.logger.WithFields(logrus.Fields{
		"operation":   op,
		"entity_type": entityType,
		"entity_name": entityName,
	})
}

func (b *Broker) pushQueueGauges(q *Queue, now time.Time) {
	rt := q.Runtime(now)
	b.metrics.SetMessageGauges(EntityTypeQueue, q.Name, rt.ActiveCount, rt.ScheduledCount, rt.LockedCount, rt.DeadLetterCount)
}

func (b *Broker) pushGauges(store *messageStore, settings entitySettings, now time.Time) {
	active, scheduled := store.backlog.countVisible(now)
	b.metrics.SetMessageGauges(settings.entityType, settings.entityName,
		active, scheduled, store.locks.len(), store.dead.len())
}

func refEntityType(ref EntityRef) string {
	if ref.Queue != "" {
		return EntityTypeQueue
	}
	return EntityTypeSubscription
}

func queueNameOf(settings entitySettings) string {
	if settings.entityType == EntityTypeQueue {
		return settings.entityName
	}
	return ""
}

func topicOf(settings entitySettings) string {
	if settings.entityType == EntityTypeSubscription {
		topic, _ := splitSubscriptionPath(settings.entityName)
		return topic
	}
	return ""
}

func subscriptionOf(settings entitySettings) string {
	if settings.entityType == EntityTypeSubscription {
		_, sub := splitSubscriptionPath(settings.entityName)
		return sub
	}
	return ""
}

func splitSubscriptionPath(path string) (topic, sub string) {
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

// findMessage returns the stored message carrying the ID, searching the
// backlog, the lease table and the dead-letter sink.
func (b *Broker) findMessage(store *messageStore, id string) *Message {
	for _, m := range store.backlog.snapshot() {
		if m.ID == id {
			return m
		}
	}
	for _, m := range store.locks.snapshot() {
		if m.ID == id {
			return m
		}
	}
	for _, m := range store.dead.snapshot() {
		if m.ID == id {
			return m
		}
	}
	return nil
}
