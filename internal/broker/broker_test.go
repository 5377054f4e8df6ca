package broker

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives lease expiry deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// captureAudit records emitted audit events for assertions.
type captureAudit struct {
	mu      sync.Mutex
	records []AuditRecord
}

func (a *captureAudit) Emit(r AuditRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, r)
}

func (a *captureAudit) byType(eventType string) []AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []AuditRecord
	for _, r := range a.records {
		if r.EventType == eventType {
			out = append(out, r)
		}
	}
	return out
}

func newTestBroker(t *testing.T, opts Options) (*Broker, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts.Clock = clock.Now
	b, err := New(opts)
	require.NoError(t, err)
	return b, clock
}

func mustCreateQueue(t *testing.T, b *Broker, name string, props *QueueProperties) {
	t.Helper()
	_, err := b.CreateQueue(context.Background(), name, props)
	require.NoError(t, err)
}

func TestSendAndPeekLockReceive(t *testing.T) {
	b, _ := newTestBroker(t, Options{})
	ctx := context.Background()
	mustCreateQueue(t, b, "orders", nil)

	_, err := b.Send(ctx, "orders", &SendRequest{Body: []byte("A")})
	require.NoError(t, err)
	_, err = b.Send(ctx, "orders", &SendRequest{Body: []byte("B")})
	require.NoError(t, err)

	msgs, err := b.Receive(ctx, QueueRef("orders"), ReceiveModePeekLock, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "A", string(msgs[0].Body))
	assert.EqualValues(t, 1, msgs[0].SequenceNumber)
	assert.EqualValues(t, 1, msgs[0].DeliveryCount)
	assert.Equal(t, "B", string(msgs[1].Body))
	assert.EqualValues(t, 2, msgs[1].SequenceNumber)
	assert.EqualValues(t, 1, msgs[1].DeliveryCount)

	assert.NotEmpty(t, msgs[0].LockToken)
	assert.NotEmpty(t, msgs[1].LockToken)
	assert.NotEqual(t, msgs[0].LockToken, msgs[1].LockToken)
	assert.True(t, msgs[0].Locked)
}

func TestAbandonPreservesSequenceAndBumpsDeliveryCount(t *testing.T) {
	b, _ := newTestBroker(t, Options{})
	ctx := context.Background()
	mustCreateQueue(t, b, "orders", nil)

	_, err := b.Send(ctx, "orders", &SendRequest{Body: []byte("A")})
	require.NoError(t, err)
	_, err = b.Send(ctx, "orders", &SendRequest{Body: []byte("B")})
	require.NoError(t, err)

	msgs, err := b.Receive(ctx, QueueRef("orders"), ReceiveModePeekLock, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.NoError(t, b.Abandon(ctx, QueueRef("orders"), msgs[0].ID, msgs[0].LockToken))

	again, err := b.Receive(ctx, QueueRef("orders"), ReceiveModePeekLock, 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "A", string(again[0].Body))
	assert.EqualValues(t, 1, again[0].SequenceNumber)
	assert.EqualValues(t, 2, again[0].DeliveryCount)
}

func TestCompleteRemovesExactlyOneMessage(t *testing.T) {
	b, _ := newTestBroker(t, Options{})
	ctx := context.Background()
	mustCreateQueue(t, b, "q", nil)

	for i := 0; i < 3; i++ {
		_, err := b.Send(ctx, "q", &SendRequest{Body: []byte("x")})
		require.NoError(t, err)
	}
	msgs, err := b.Receive(ctx, QueueRef("q"), ReceiveModePeekLock, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	desc, err := b.GetQueue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 2, desc.Runtime.ActiveCount)
	assert.Equal(t, 1, desc.Runtime.LockedCount)

	require.NoError(t, b.Complete(ctx, QueueRef("q"), msgs[0].ID, msgs[0].LockToken))

	desc, err = b.GetQueue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 2, desc.Runtime.ActiveCount)
	assert.Equal(t, 0, desc.Runtime.LockedCount)

	// The token is spent.
	err = b.Complete(ctx, QueueRef("q"), msgs[0].ID, msgs[0].LockToken)
	assert.True(t, IsCode(err, ErrCodeMessageLockLost))
}

func TestCompleteWithWrongMessageID(t *testing.T) {
	b, _ := newTestBroker(t, Options{})
	ctx := context.Background()
	mustCreateQueue(t, b, "q", nil)

	_, err := b.Send(ctx, "q", &SendRequest{Body: []byte("x")})
	require.NoError(t, err)
	msgs, err := b.Receive(ctx, QueueRef("q"), ReceiveModePeekLock, 1)
	require.NoError(t, err)

	err = b.Complete(ctx, QueueRef("q"), "not-the-message", msgs[0].LockToken)
	assert.True(t, IsCode(err, ErrCodeMessageNotFound))

	// The lease survives a mismatched settle attempt.
	require.NoError(t, b.Complete(ctx, QueueRef("q"), msgs[0].ID, msgs[0].LockToken))
}

func TestReceiveAndDeleteRoundTrip(t *testing.T) {
	b, _ := newTestBroker(t, Options{})
	ctx := context.Background()
	mustCreateQueue(t, b, "q", nil)

	sent, err := b.Send(ctx, "q", &SendRequest{
		Body:           []byte("payload"),
		Label:          "greeting",
		UserProperties: map[string]string{"k": "v"},
	})
	require.NoError(t, err)

	msgs, err := b.Receive(ctx, QueueRef("q"), ReceiveModeReceiveAndDelete, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, sent.ID, msgs[0].ID)
	assert.Equal(t, "payload", string(msgs[0].Body))
	assert.Equal(t, "greeting", msgs[0].Label)
	assert.Empty(t, msgs[0].LockToken)

	// Nothing left to receive.
	msgs, err = b.Receive(ctx, QueueRef("q"), ReceiveModeReceiveAndDelete, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMaxDeliveryCountDeadLetters(t *testing.T) {
	b, _ := newTestBroker(t, Options{})
	ctx := context.Background()
	props := DefaultQueueProperties()
	props.MaxDeliveryCount = 2
	props.LockDuration = 5 * time.Second
	mustCreateQueue(t, b, "q", &props)

	_, err := b.Send(ctx, "q", &SendRequest{Body: []byte("poison")})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		msgs, err := b.Receive(ctx, QueueRef("q"), ReceiveModePeekLock, 1)
		require.NoError(t, err)
		require.Len(t, msgs, 1, "attempt %d", i+1)
		require.NoError(t, b.Abandon(ctx, QueueRef("q"), msgs[0].ID, msgs[0].LockToken))
	}

	msgs, err := b.Receive(ctx, QueueRef("q"), ReceiveModePeekLock, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	dead, err := b.ListDeadLetter(ctx, QueueRef("q"), 0, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, DeadLetterReasonMaxDelivery, dead[0].DeadLetterReason)
	assert.True(t, dead[0].DeadLettered)
	assert.Empty(t, dead[0].LockToken)
}

func TestLockExpiryReclaimedOnNextReceive(t *testing.T) {
	b, clock := newTestBroker(t, Options{})
	ctx := context.Background()
	props := DefaultQueueProperties()
	props.LockDuration = 30 * time.Second
	mustCreateQueue(t, b, "q", &props)

	_, err := b.Send(ctx, "q", &SendRequest{Body: []byte("x")})
	require.NoError(t, err)

	msgs, err := b.Receive(ctx, QueueRef("q"), ReceiveModePeekLock, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	token := msgs[0].LockToken

	clock.Advance(31 * time.Second)

	// The next receive reclaims the expired lease and redelivers.
	again, err := b.Receive(ctx, QueueRef("q"), ReceiveModePeekLock, 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.EqualValues(t, 2, again[0].DeliveryCount)
	assert.NotEqual(t, token, again[0].LockToken)

	// Settling with the stale token reports the lost lock.
	err = b.Complete(ctx, QueueRef("q"), msgs[0].ID, token)
	assert.True(t, IsCode(err, ErrCodeMessageLockLost))
}

func TestCompleteAfterExpiryRoutesThroughAbandon(t *testing.T) {
	b, clock := newTestBroker(t, Options{})
	ctx := context.Background()
	props := DefaultQueueProperties()
	props.LockDuration = 10 * time.Second
	mustCreateQueue(t, b, "q", &props)

	_, err := b.Send(ctx, "q", &SendRequest{Body: []byte("x")})
	require.NoError(t, err)
	msgs, err := b.Receive(ctx, QueueRef("q"), ReceiveModePeekLock, 1)
	require.NoError(t, err)

	clock.Advance(11 * time.Second)

	err = b.Complete(ctx, QueueRef("q"), msgs[0].ID, msgs[0].LockToken)
	assert.True(t, IsCode(err, ErrCodeMessageLockLost))

	// The message went back to the backlog via the abandon path.
	desc, err := b.GetQueue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, desc.Runtime.ActiveCount)
	assert.Equal(t, 0, desc.Runtime.LockedCount)
}

func TestRepeatedSweepsReclaimOnce(t *testing.T) {
	b, clock := newTestBroker(t, Options{})
	ctx := context.Background()
	props := DefaultQueueProperties()
	props.LockDuration = 5 * time.Second
	mustCreateQueue(t, b, "q", &props)

	_, err := b.Send(ctx, "q", &SendRequest{Body: []byte("x")})
	require.NoError(t, err)
	_, err = b.Receive(ctx, QueueRef("q"), ReceiveModePeekLock, 1)
	require.NoError(t, err)

	clock.Advance(6 * time.Second)
	b.SweepExpiredLocks()
	b.SweepExpiredLocks()
	b.SweepExpiredLocks()

	desc, err := b.GetQueue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, desc.Runtime.ActiveCount)
	assert.Equal(t, 0, desc.Runtime.LockedCount)
	assert.Equal(t, 0, desc.Runtime.DeadLetterCount)
}

func TestRenewLockExtendsDeadline(t *testing.T) {
	b, clock := newTestBroker(t, Options{})
	ctx := context.Background()
	props := DefaultQueueProperties()
	props.LockDuration = 30 * time.Second
	mustCreateQueue(t, b, "q", &props)

	_, err := b.Send(ctx, "q", &SendRequest{Body: []byte("x")})
	require.NoError(t, err)
	msgs, err := b.Receive(ctx, QueueRef("q"), ReceiveModePeekLock, 1)
	require.NoError(t, err)

	first, err := b.RenewLock(ctx, QueueRef("q"), msgs[0].ID, msgs[0].LockToken)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(30*time.Second), first)

	clock.Advance(10 * time.Second)
	second, err := b.RenewLock(ctx, QueueRef("q"), msgs[0].ID, msgs[0].LockToken)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(30*time.Second), second)
	assert.Equal(t, 10*time.Second, second.Sub(first))

	clock.Advance(31 * time.Second)
	_, err = b.RenewLock(ctx, QueueRef("q"), msgs[0].ID, msgs[0].LockToken)
	assert.True(t, IsCode(err, ErrCodeMessageLockLost))
}

func TestSequenceNumbersStrictlyIncreaseFromOne(t *testing.T) {
	b, _ := newTestBroker(t, Options{})
	ctx := context.Background()
	mustCreateQueue(t, b, "q", nil)

	for i := 1; i <= 10; i++ {
		m, err := b.Send(ctx, "q", &SendRequest{Body: []byte{byte(i)}})
		require.NoError(t, err)
		assert.EqualValues(t, i, m.SequenceNumber)
	}
}

func TestScheduledMessagesSkippedUntilDue(t *testing.T) {
	b, clock := newTestBroker(t, Options{})
	ctx := context.Background()
	mustCreateQueue(t, b, "q", nil)

	_, err := b.Send(ctx, "q", &SendRequest{
		Body:                 []byte("later"),
		ScheduledEnqueueTime: clock.Now().Add(1 * time.Minute),
	})
	require.NoError(t, err)
	_, err = b.Send(ctx, "q", &SendRequest{Body: []byte("now")})
	require.NoError(t, err)

	desc, err := b.GetQueue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, desc.Runtime.ActiveCount)
	assert.Equal(t, 1, desc.Runtime.ScheduledCount)

	msgs, err := b.Receive(ctx, QueueRef("q"), ReceiveModeReceiveAndDelete, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "now", string(msgs[0].Body))

	clock.Advance(2 * time.Minute)
	msgs, err = b.Receive(ctx, QueueRef("q"), ReceiveModeReceiveAndDelete, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "later", string(msgs[0].Body))
}

func TestExpiredMessagesDeadLetterWhenConfigured(t *testing.T) {
	b, clock := newTestBroker(t, Options{})
	ctx := context.Background()
	props := DefaultQueueProperties()
	props.DefaultTTL = time.Minute
	props.DeadLetterOnExpiry = true
	mustCreateQueue(t, b, "q", &props)

	_, err := b.Send(ctx, "q", &SendRequest{Body: []byte("stale")})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	msgs, err := b.Receive(ctx, QueueRef("q"), ReceiveModePeekLock, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	dead, err := b.ListDeadLetter(ctx, QueueRef("q"), 0, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, DeadLetterReasonTTLExpired, dead[0].DeadLetterReason)
}

func TestExpiredMessagesDroppedByDefault(t *testing.T) {
	b, clock := newTestBroker(t, Options{})
	ctx := context.Background()
	props := DefaultQueueProperties()
	props.DefaultTTL = time.Minute
	mustCreateQueue(t, b, "q", &props)

	_, err := b.Send(ctx, "q", &SendRequest{Body: []byte("stale")})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	msgs, err := b.Receive(ctx, QueueRef("q"), ReceiveModePeekLock, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	dead, err := b.ListDeadLetter(ctx, QueueRef("q"), 0, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestPeekDoesNotDisturbState(t *testing.T) {
	b, _ := newTestBroker(t, Options{})
	ctx := context.Background()
	mustCreateQueue(t, b, "q", nil)

	for _, body := range []string{"a", "b", "c"} {
		_, err := b.Send(ctx, "q", &SendRequest{Body: []byte(body)})
		require.NoError(t, err)
	}

	peeked, err := b.Peek(ctx, QueueRef("q"), 2, 10)
	require.NoError(t, err)
	require.Len(t, peeked, 2)
	assert.Equal(t, "b", string(peeked[0].Body))
	assert.EqualValues(t, 0, peeked[0].DeliveryCount)

	desc, err := b.GetQueue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 3, desc.Runtime.ActiveCount)
	assert.Equal(t, 0, desc.Runtime.LockedCount)
}

func TestSendValidation(t *testing.T) {
	b, _ := newTestBroker(t, Options{MaxMessageSizeBytes: 16})
	ctx := context.Background()
	mustCreateQueue(t, b, "q", nil)

	_, err := b.Send(ctx, "missing", &SendRequest{Body: []byte("x")})
	assert.True(t, IsCode(err, ErrCodeEntityNotFound))

	_, err = b.Send(ctx, "q", &SendRequest{Body: []byte("this body is far too large")})
	assert.True(t, IsCode(err, ErrCodeMessageTooLarge))

	_, err = b.Send(ctx, "q", &SendRequest{UserProperties: map[string]string{"": "v"}})
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))
}

func TestQueueQuota(t *testing.T) {
	b, _ := newTestBroker(t, Options{Quotas: Quotas{MaxQueues: 100}})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, err := b.CreateQueue(ctx, "ok"+strconv.Itoa(i), nil)
		require.NoError(t, err, "queue %d", i)
	}
	_, err := b.CreateQueue(ctx, "one-too-many", nil)
	assert.True(t, IsCode(err, ErrCodeQuotaExceeded))
}

func TestInvalidQueueName(t *testing.T) {
	b, _ := newTestBroker(t, Options{})
	_, err := b.CreateQueue(context.Background(), "bad--name", nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidName))
	assert.Contains(t, err.Error(), "consecutive special characters")
}

func TestAuditEventsEmitted(t *testing.T) {
	audit := &captureAudit{}
	b, _ := newTestBroker(t, Options{Audit: audit})
	ctx := context.Background()
	mustCreateQueue(t, b, "q", nil)

	sent, err := b.Send(ctx, "q", &SendRequest{Body: []byte("x")})
	require.NoError(t, err)
	msgs, err := b.Receive(ctx, QueueRef("q"), ReceiveModePeekLock, 1)
	require.NoError(t, err)
	require.NoError(t, b.Complete(ctx, QueueRef("q"), msgs[0].ID, msgs[0].LockToken))

	require.Len(t, audit.byType("queue.created"), 1)
	sends := audit.byType("message.sent")
	require.Len(t, sends, 1)
	assert.Equal(t, sent.ID, sends[0].Fields["message_id"])
	assert.Equal(t, "1", sends[0].Version)
	require.Len(t, audit.byType("message.completed"), 1)
}

func TestRateLimiterDeniesSend(t *testing.T) {
	b, _ := newTestBroker(t, Options{RateLimiter: denyAll{}})
	ctx := context.Background()
	mustCreateQueue(t, b, "q", nil)

	_, err := b.Send(ctx, "q", &SendRequest{Body: []byte("x")})
	assert.True(t, IsCode(err, ErrCodeQuotaExceeded))
}

type denyAll struct{}

func (denyAll) Allow(string, string) (bool, time.Duration) { return false, time.Second }

func TestDuplicateDetectionAbsorbsResend(t *testing.T) {
	b, _ := newTestBroker(t, Options{})
	ctx := context.Background()
	props := DefaultQueueProperties()
	props.RequiresDuplicateDetection = true
	mustCreateQueue(t, b, "q", &props)

	first, err := b.Send(ctx, "q", &SendRequest{MessageID: "m-1", Body: []byte("x")})
	require.NoError(t, err)
	second, err := b.Send(ctx, "q", &SendRequest{MessageID: "m-1", Body: []byte("y")})
	require.NoError(t, err)

	// The absorbed resend reports the stored original, not a fresh message.
	assert.Equal(t, first.SequenceNumber, second.SequenceNumber)
	assert.Equal(t, first.EnqueuedTime, second.EnqueuedTime)
	assert.Equal(t, "x", string(second.Body))

	desc, err := b.GetQueue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, desc.Runtime.ActiveCount)
}
