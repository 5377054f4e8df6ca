package broker

import "fmt"

// Entity name policy: 1-260 characters (rules: 1-50), alphanumeric plus
// hyphen, underscore and period, first and last character alphanumeric, and
// no two consecutive special characters.
const (
	maxEntityNameLength = 260
	maxRuleNameLength   = 50
)

// ValidateQueueName checks a queue name against the entity name policy.
func ValidateQueueName(name string) error {
	return validateName("queue", name, maxEntityNameLength)
}

// ValidateTopicName checks a topic name against the entity name policy.
func ValidateTopicName(name string) error {
	return validateName("topic", name, maxEntityNameLength)
}

// ValidateSubscriptionName checks a subscription name against the entity
// name policy.
func ValidateSubscriptionName(name string) error {
	return validateName("subscription", name, maxEntityNameLength)
}

// ValidateRuleName checks a rule name. Rules follow the same policy with a
// shorter 50-character limit. The default rule name "$Default" is exempt.
func ValidateRuleName(name string) error {
	if name == DefaultRuleName {
		return nil
	}
	return validateName("rule", name, maxRuleNameLength)
}

func validateName(kind, name string, maxLen int) error {
	if len(name) == 0 {
		return invalidName(kind, name, "name must not be empty")
	}
	if len(name) > maxLen {
		return invalidName(kind, name, fmt.Sprintf("name must be at most %d characters", maxLen))
	}
	if !isAlphanumeric(name[0]) {
		return invalidName(kind, name, "name must start with a letter or digit")
	}
	if !isAlphanumeric(name[len(name)-1]) {
		return invalidName(kind, name, "name must end with a letter or digit")
	}
	prevSpecial := false
	for i := 0; i < len(name); i++ {
		c := name[i]
		if isAlphanumeric(c) {
			prevSpecial = false
			continue
		}
		if c != '-' && c != '_' && c != '.' {
			return invalidName(kind, name, fmt.Sprintf("name contains invalid character %q", string(c)))
		}
		if prevSpecial {
			return invalidName(kind, name, "name must not contain consecutive special characters")
		}
		prevSpecial = true
	}
	return nil
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func invalidName(kind, name, rule string) *Error {
	return Errorf(ErrCodeInvalidName, "invalid %s name %q: %s", kind, name, rule).
		WithEntity(kind, name)
}
