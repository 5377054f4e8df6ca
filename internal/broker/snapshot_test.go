package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryPersistence keeps the snapshot and log in memory so restart behavior
// can be exercised without an external store.
type memoryPersistence struct {
	mu   sync.Mutex
	snap *Snapshot
	log  []Mutation
}

func (p *memoryPersistence) SaveSnapshot(snap *Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap = snap
	p.log = nil
	return nil
}

func (p *memoryPersistence) AppendLog(mut Mutation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = append(p.log, mut)
	return nil
}

func (p *memoryPersistence) Restore() (*Snapshot, []Mutation, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snap == nil && len(p.log) == 0 {
		return nil, nil, false, nil
	}
	return p.snap, p.log, true, nil
}

func TestRestartReplaysLog(t *testing.T) {
	persist := &memoryPersistence{}
	ctx := context.Background()

	b1, _ := newTestBroker(t, Options{Persistence: persist})
	mustCreateQueue(t, b1, "q", nil)
	_, err := b1.Send(ctx, "q", &SendRequest{Body: []byte("one")})
	require.NoError(t, err)
	sent2, err := b1.Send(ctx, "q", &SendRequest{Body: []byte("two")})
	require.NoError(t, err)

	msgs, err := b1.Receive(ctx, QueueRef("q"), ReceiveModePeekLock, 1)
	require.NoError(t, err)
	require.NoError(t, b1.Complete(ctx, QueueRef("q"), msgs[0].ID, msgs[0].LockToken))

	// A fresh broker over the same store sees the surviving message.
	b2, _ := newTestBroker(t, Options{Persistence: persist})
	desc, err := b2.GetQueue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, desc.Runtime.ActiveCount)

	got, err := b2.Receive(ctx, QueueRef("q"), ReceiveModeReceiveAndDelete, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, sent2.ID, got[0].ID)
	assert.Equal(t, "two", string(got[0].Body))
}

func TestReceiveAndDeleteNotRedeliveredAfterRestart(t *testing.T) {
	persist := &memoryPersistence{}
	ctx := context.Background()

	b1, _ := newTestBroker(t, Options{Persistence: persist})
	mustCreateQueue(t, b1, "q", nil)
	_, err := b1.Send(ctx, "q", &SendRequest{Body: []byte("x")})
	require.NoError(t, err)

	got, err := b1.Receive(ctx, QueueRef("q"), ReceiveModeReceiveAndDelete, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// The destructive delivery is in the log; a restart must not resurrect
	// the message.
	b2, _ := newTestBroker(t, Options{Persistence: persist})
	desc, err := b2.GetQueue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 0, desc.Runtime.ActiveCount)
	left, err := b2.Receive(ctx, QueueRef("q"), ReceiveModeReceiveAndDelete, 10)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestExpiredDropsNotRestoredAfterRestart(t *testing.T) {
	persist := &memoryPersistence{}
	ctx := context.Background()

	b1, clock := newTestBroker(t, Options{Persistence: persist})
	props := DefaultQueueProperties()
	props.DefaultTTL = time.Second
	mustCreateQueue(t, b1, "q", &props)
	_, err := b1.Send(ctx, "q", &SendRequest{Body: []byte("x")})
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	got, err := b1.Receive(ctx, QueueRef("q"), ReceiveModePeekLock, 1)
	require.NoError(t, err)
	require.Empty(t, got)

	b2, _ := newTestBroker(t, Options{Persistence: persist})
	desc, err := b2.GetQueue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 0, desc.Runtime.ActiveCount)
}

func TestRestartReturnsLeasedMessagesToBacklog(t *testing.T) {
	persist := &memoryPersistence{}
	ctx := context.Background()

	b1, _ := newTestBroker(t, Options{Persistence: persist})
	mustCreateQueue(t, b1, "q", nil)
	_, err := b1.Send(ctx, "q", &SendRequest{Body: []byte("x")})
	require.NoError(t, err)

	msgs, err := b1.Receive(ctx, QueueRef("q"), ReceiveModePeekLock, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, b1.SaveSnapshot())

	// Locks are volatile. After restart the message is deliverable again and
	// carries no lock state.
	b2, _ := newTestBroker(t, Options{Persistence: persist})
	got, err := b2.Receive(ctx, QueueRef("q"), ReceiveModePeekLock, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, msgs[0].ID, got[0].ID)
	assert.NotEqual(t, msgs[0].LockToken, got[0].LockToken)
}

func TestSnapshotPreservesEntitiesRulesAndDeadLetters(t *testing.T) {
	persist := &memoryPersistence{}
	ctx := context.Background()

	b1, _ := newTestBroker(t, Options{Persistence: persist})
	mustCreateQueue(t, b1, "q", nil)
	setupTopic(t, b1, "events", "audit")
	require.NoError(t, b1.DeleteRule(ctx, "events", "audit", DefaultRuleName))
	_, err := b1.AddRule(ctx, "events", "audit", "high", SQLFilter("priority = 'high'"))
	require.NoError(t, err)

	_, err = b1.Send(ctx, "q", &SendRequest{Body: []byte("poison")})
	require.NoError(t, err)
	msgs, err := b1.Receive(ctx, QueueRef("q"), ReceiveModePeekLock, 1)
	require.NoError(t, err)
	require.NoError(t, b1.DeadLetter(ctx, QueueRef("q"), msgs[0].ID, msgs[0].LockToken, "Rejected", ""))
	require.NoError(t, b1.SaveSnapshot())

	b2, _ := newTestBroker(t, Options{Persistence: persist})

	rules, err := b2.ListRules(ctx, "events", "audit")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "high", rules[0].Name)
	assert.Equal(t, FilterTypeSQL, rules[0].Filter.Type)

	dead, err := b2.ListDeadLetter(ctx, QueueRef("q"), 0, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "Rejected", dead[0].DeadLetterReason)

	// The rule still filters after restart.
	_, err = b2.Publish(ctx, "events", &SendRequest{
		Body:           []byte("x"),
		UserProperties: map[string]string{"priority": "low"},
	})
	require.NoError(t, err)
	desc, err := b2.GetSubscription(ctx, "events", "audit")
	require.NoError(t, err)
	assert.Equal(t, 0, desc.Runtime.ActiveCount)
}

func TestReplayIsIdempotentOnMessageID(t *testing.T) {
	persist := &memoryPersistence{}
	ctx := context.Background()

	b1, _ := newTestBroker(t, Options{Persistence: persist})
	mustCreateQueue(t, b1, "q", nil)
	_, err := b1.Send(ctx, "q", &SendRequest{Body: []byte("x")})
	require.NoError(t, err)

	// Snapshot already contains the message; the enqueue log entry recorded
	// before the snapshot must not duplicate it on restore.
	require.NoError(t, b1.SaveSnapshot())
	p := persist
	p.mu.Lock()
	p.log = append(p.log, Mutation{Kind: MutationEnqueue, Queue: "q",
		Message: p.snap.Messages[queueBucket("q")][0].Clone()})
	p.mu.Unlock()

	b2, _ := newTestBroker(t, Options{Persistence: persist})
	desc, err := b2.GetQueue(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, desc.Runtime.ActiveCount)
}

func TestSnapshotKeepsSequenceNumbers(t *testing.T) {
	persist := &memoryPersistence{}
	ctx := context.Background()

	b1, _ := newTestBroker(t, Options{Persistence: persist})
	mustCreateQueue(t, b1, "q", nil)
	for _, body := range []string{"1", "2", "3"} {
		_, err := b1.Send(ctx, "q", &SendRequest{Body: []byte(body)})
		require.NoError(t, err)
	}
	require.NoError(t, b1.SaveSnapshot())

	b2, _ := newTestBroker(t, Options{Persistence: persist})
	msgs, err := b2.Receive(ctx, QueueRef("q"), ReceiveModeReceiveAndDelete, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, want := range []string{"1", "2", "3"} {
		assert.Equal(t, want, string(msgs[i].Body))
		assert.EqualValues(t, i+1, msgs[i].SequenceNumber)
	}

	// New sends continue past the restored counter.
	m, err := b2.Send(ctx, "q", &SendRequest{Body: []byte("4")})
	require.NoError(t, err)
	assert.EqualValues(t, 4, m.SequenceNumber)
}
