package broker

import (
	"strings"
	"time"

	"dev.helix.bus/internal/broker/sqlexpr"
)

// FilterType is the tagged discriminant used when rules cross the API
// boundary. Unknown discriminants fail with InvalidArgument.
type FilterType string

const (
	FilterTypeTrue        FilterType = "TrueFilter"
	FilterTypeFalse       FilterType = "FalseFilter"
	FilterTypeCorrelation FilterType = "CorrelationFilter"
	FilterTypeSQL         FilterType = "SqlFilter"
)

// DefaultRuleName is the rule every fresh subscription is created with; its
// filter matches all messages.
const DefaultRuleName = "$Default"

// CorrelationFilter is a set of optional equality constraints. Empty system
// field constraints are unconstrained; user property constraints require the
// property to be present and equal.
type CorrelationFilter struct {
	CorrelationID string            `json:"correlation_id,omitempty"`
	ContentType   string            `json:"content_type,omitempty"`
	Label         string            `json:"label,omitempty"`
	MessageID     string            `json:"message_id,omitempty"`
	ReplyTo       string            `json:"reply_to,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	To            string            `json:"to,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
}

// Filter is the tagged union of the four filter flavours.
type Filter struct {
	Type        FilterType         `json:"type"`
	Correlation *CorrelationFilter `json:"correlation,omitempty"`
	// Expression is the SqlFilter predicate, transmitted verbatim.
	Expression string `json:"expression,omitempty"`
}

// TrueFilter returns a filter matching every message.
func TrueFilter() Filter { return Filter{Type: FilterTypeTrue} }

// FalseFilter returns a filter matching no message.
func FalseFilter() Filter { return Filter{Type: FilterTypeFalse} }

// SQLFilter returns an expression filter. The expression is parsed lazily at
// evaluation; an invalid expression matches nothing.
func SQLFilter(expression string) Filter {
	return Filter{Type: FilterTypeSQL, Expression: expression}
}

// NewCorrelationFilter returns a correlation filter over the given
// constraints.
func NewCorrelationFilter(c CorrelationFilter) Filter {
	return Filter{Type: FilterTypeCorrelation, Correlation: &c}
}

// Validate checks the filter's structure; the expression itself is not
// compiled here because an unparsable SqlFilter legitimately evaluates to
// false instead of failing rule creation.
func (f Filter) Validate() error {
	switch f.Type {
	case FilterTypeTrue, FilterTypeFalse:
		return nil
	case FilterTypeCorrelation:
		if f.Correlation == nil {
			return NewError(ErrCodeInvalidArgument, "correlation filter requires constraints")
		}
		return nil
	case FilterTypeSQL:
		if strings.TrimSpace(f.Expression) == "" {
			return NewError(ErrCodeInvalidArgument, "sql filter requires an expression")
		}
		return nil
	}
	return Errorf(ErrCodeInvalidArgument, "unknown filter type %q", string(f.Type))
}

// Matches evaluates the filter against a message. Evaluation is total: it
// never fails, it only declines.
func (f Filter) Matches(m *Message) bool {
	switch f.Type {
	case FilterTypeTrue:
		return true
	case FilterTypeFalse:
		return false
	case FilterTypeCorrelation:
		if f.Correlation == nil {
			return false
		}
		return f.Correlation.matches(m)
	case FilterTypeSQL:
		return sqlexpr.Match(f.Expression, messageEnv{m: m})
	}
	return false
}

func (c *CorrelationFilter) matches(m *Message) bool {
	sys := []struct{ want, got string }{
		{c.CorrelationID, m.CorrelationID},
		{c.ContentType, m.ContentType},
		{c.Label, m.Label},
		{c.MessageID, m.ID},
		{c.ReplyTo, m.ReplyTo},
		{c.SessionID, m.SessionID},
		{c.To, m.To},
	}
	for _, f := range sys {
		if f.want != "" && f.want != f.got {
			return false
		}
	}
	for k, want := range c.Properties {
		got, ok := m.UserProperties[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// messageEnv adapts a message to the expression evaluator's two-scope
// environment: "sys."-prefixed identifiers address system fields, bare
// identifiers address user properties.
type messageEnv struct {
	m *Message
}

func (e messageEnv) Resolve(ident string) (string, bool) {
	if rest, ok := strings.CutPrefix(ident, "sys."); ok {
		switch rest {
		case "Label":
			return e.m.Label, e.m.Label != ""
		case "MessageId":
			return e.m.ID, e.m.ID != ""
		case "ContentType":
			return e.m.ContentType, e.m.ContentType != ""
		case "CorrelationId":
			return e.m.CorrelationID, e.m.CorrelationID != ""
		case "To":
			return e.m.To, e.m.To != ""
		case "ReplyTo":
			return e.m.ReplyTo, e.m.ReplyTo != ""
		case "SessionId":
			return e.m.SessionID, e.m.SessionID != ""
		}
		return "", false
	}
	v, ok := e.m.UserProperties[ident]
	return v, ok
}

// Rule is a named filter within a subscription. Rules evaluate in insertion
// order; the first match delivers the message to the subscription.
type Rule struct {
	// Name is unique within the owning subscription.
	Name string `json:"name"`
	// Filter is the rule predicate.
	Filter Filter `json:"filter"`
	// CreatedAt is the rule creation timestamp.
	CreatedAt time.Time `json:"created_at"`
}
