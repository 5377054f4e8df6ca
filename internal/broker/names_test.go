package broker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntityNameValidation(t *testing.T) {
	valid := []string{
		"orders",
		"orders-eu",
		"orders_eu",
		"orders.eu",
		"a",
		"Orders42",
		"a1-b2.c3_d4",
		strings.Repeat("a", 260),
	}
	for _, name := range valid {
		assert.NoError(t, ValidateQueueName(name), "queue %q", name)
		assert.NoError(t, ValidateTopicName(name), "topic %q", name)
		assert.NoError(t, ValidateSubscriptionName(name), "subscription %q", name)
	}

	invalid := []string{
		"",
		"-orders",
		"orders-",
		".orders",
		"orders.",
		"bad--name",
		"bad.-name",
		"bad__name",
		"has space",
		"has/slash",
		"has$dollar",
		strings.Repeat("a", 261),
	}
	for _, name := range invalid {
		assert.True(t, IsCode(ValidateQueueName(name), ErrCodeInvalidName), "queue %q", name)
		assert.True(t, IsCode(ValidateTopicName(name), ErrCodeInvalidName), "topic %q", name)
		assert.True(t, IsCode(ValidateSubscriptionName(name), ErrCodeInvalidName), "subscription %q", name)
	}
}

func TestRuleNameValidation(t *testing.T) {
	assert.NoError(t, ValidateRuleName("high-priority"))
	assert.NoError(t, ValidateRuleName(strings.Repeat("r", 50)))

	// The built-in default rule name is exempt from the character rules.
	assert.NoError(t, ValidateRuleName(DefaultRuleName))

	assert.True(t, IsCode(ValidateRuleName(""), ErrCodeInvalidName))
	assert.True(t, IsCode(ValidateRuleName("$NotDefault"), ErrCodeInvalidName))
	assert.True(t, IsCode(ValidateRuleName(strings.Repeat("r", 51)), ErrCodeInvalidName))
	assert.True(t, IsCode(ValidateRuleName("bad--rule"), ErrCodeInvalidName))
}
