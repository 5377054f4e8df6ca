package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueCRUD(t *testing.T) {
	b, _ := newTestBroker(t, Options{})
	ctx := context.Background()

	desc, err := b.CreateQueue(ctx, "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "q", desc.Name)
	assert.Equal(t, DefaultQueueProperties(), desc.Properties)

	_, err = b.CreateQueue(ctx, "q", nil)
	assert.True(t, IsCode(err, ErrCodeEntityAlreadyExists))

	props := desc.Properties
	props.MaxDeliveryCount = 3
	updated, err := b.UpdateQueue(ctx, "q", props)
	require.NoError(t, err)
	assert.EqualValues(t, 3, updated.Properties.MaxDeliveryCount)

	require.NoError(t, b.DeleteQueue(ctx, "q"))
	_, err = b.GetQueue(ctx, "q")
	assert.True(t, IsCode(err, ErrCodeEntityNotFound))
	assert.True(t, IsCode(b.DeleteQueue(ctx, "q"), ErrCodeEntityNotFound))
}

func TestListQueuesSortedAndPaged(t *testing.T) {
	b, _ := newTestBroker(t, Options{})
	ctx := context.Background()
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		mustCreateQueue(t, b, name, nil)
	}

	all, err := b.ListQueues(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "bravo", all[1].Name)
	assert.Equal(t, "charlie", all[2].Name)

	paged, err := b.ListQueues(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "bravo", paged[0].Name)

	empty, err := b.ListQueues(ctx, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDeleteTopicCascades(t *testing.T) {
	b, _ := newTestBroker(t, Options{})
	ctx := context.Background()
	setupTopic(t, b, "t", "s1", "s2")

	_, err := b.Publish(ctx, "t", &SendRequest{Body: []byte("x")})
	require.NoError(t, err)

	require.NoError(t, b.DeleteTopic(ctx, "t"))

	_, err = b.GetSubscription(ctx, "t", "s1")
	assert.True(t, IsCode(err, ErrCodeEntityNotFound))
	_, err = b.Receive(ctx, SubscriptionRef("t", "s2"), ReceiveModePeekLock, 1)
	assert.True(t, IsCode(err, ErrCodeEntityNotFound))
}

func TestSubscriptionCreatedWithDefaultRule(t *testing.T) {
	b, _ := newTestBroker(t, Options{})
	ctx := context.Background()
	setupTopic(t, b, "t", "s")

	rules, err := b.ListRules(ctx, "t", "s")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, DefaultRuleName, rules[0].Name)
	assert.Equal(t, FilterTypeTrue, rules[0].Filter.Type)
}

func TestRuleCRUD(t *testing.T) {
	b, _ := newTestBroker(t, Options{})
	ctx := context.Background()
	setupTopic(t, b, "t", "s")

	_, err := b.AddRule(ctx, "t", "s", "high", SQLFilter("priority = 'high'"))
	require.NoError(t, err)
	_, err = b.AddRule(ctx, "t", "s", "high", TrueFilter())
	assert.True(t, IsCode(err, ErrCodeRuleAlreadyExists))

	_, err = b.UpdateRule(ctx, "t", "s", "high", SQLFilter("priority = 'urgent'"))
	require.NoError(t, err)
	_, err = b.UpdateRule(ctx, "t", "s", "missing", TrueFilter())
	assert.True(t, IsCode(err, ErrCodeRuleNotFound))

	rules, err := b.ListRules(ctx, "t", "s")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, DefaultRuleName, rules[0].Name)
	assert.Equal(t, "high", rules[1].Name)
	assert.Equal(t, "priority = 'urgent'", rules[1].Filter.Expression)

	require.NoError(t, b.DeleteRule(ctx, "t", "s", "high"))
	assert.True(t, IsCode(b.DeleteRule(ctx, "t", "s", "high"), ErrCodeRuleNotFound))
}

func TestRuleQuota(t *testing.T) {
	b, _ := newTestBroker(t, Options{Quotas: Quotas{MaxRulesPerSubscription: 2}})
	ctx := context.Background()
	setupTopic(t, b, "t", "s")

	// $Default occupies one slot.
	_, err := b.AddRule(ctx, "t", "s", "r1", TrueFilter())
	require.NoError(t, err)
	_, err = b.AddRule(ctx, "t", "s", "r2", TrueFilter())
	assert.True(t, IsCode(err, ErrCodeQuotaExceeded))
}

func TestSubscriptionQuota(t *testing.T) {
	b, _ := newTestBroker(t, Options{Quotas: Quotas{MaxSubscriptionsPerTopic: 2}})
	ctx := context.Background()
	setupTopic(t, b, "t", "s1", "s2")

	_, err := b.CreateSubscription(ctx, "t", "s3", nil)
	assert.True(t, IsCode(err, ErrCodeQuotaExceeded))
}

func TestCreateQueueBackfillsPartialProperties(t *testing.T) {
	b, _ := newTestBroker(t, Options{})
	ctx := context.Background()

	desc, err := b.CreateQueue(ctx, "q", &QueueProperties{MaxDeliveryCount: 5})
	require.NoError(t, err)
	def := DefaultQueueProperties()
	assert.EqualValues(t, 5, desc.Properties.MaxDeliveryCount)
	assert.Equal(t, def.LockDuration, desc.Properties.LockDuration)
	assert.Equal(t, def.DefaultTTL, desc.Properties.DefaultTTL)
	assert.Equal(t, def.MaxSizeBytes, desc.Properties.MaxSizeBytes)
}

func TestUpdateRuleRejectsInvalidFilter(t *testing.T) {
	b, _ := newTestBroker(t, Options{})
	ctx := context.Background()
	setupTopic(t, b, "t", "s")

	_, err := b.AddRule(ctx, "t", "s", "bad", Filter{Type: "Bogus"})
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))
	_, err = b.UpdateRule(ctx, "t", "s", DefaultRuleName, Filter{Type: FilterTypeSQL})
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))
}
