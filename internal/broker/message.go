package broker

import (
	"time"

	"github.com/google/uuid"
)

// ReceiveMode selects how a receive settles delivered messages.
type ReceiveMode string

const (
	// ReceiveModePeekLock leases messages under a lock token; the caller
	// settles them later with complete, abandon or dead-letter.
	ReceiveModePeekLock ReceiveMode = "peek-lock"
	// ReceiveModeReceiveAndDelete removes messages from the backlog
	// atomically on delivery.
	ReceiveModeReceiveAndDelete ReceiveMode = "receive-and-delete"
)

// Dead-letter reasons assigned by the broker itself. Consumer-initiated
// dead-lettering carries a caller-provided reason instead.
const (
	DeadLetterReasonMaxDelivery = "MaxDeliveryCountExceeded"
	DeadLetterReasonTTLExpired  = "TTLExpiredException"
)

// SendRequest is the caller-supplied portion of a message. Broker-assigned
// fields (ID unless provided, sequence number, enqueued time) are filled in
// by Send or Publish.
type SendRequest struct {
	// MessageID is optional; a fresh UUID is assigned when empty.
	MessageID string `json:"message_id,omitempty"`
	// SessionID groups messages for session-requiring entities.
	SessionID string `json:"session_id,omitempty"`
	// CorrelationID is an application correlation identifier.
	CorrelationID string `json:"correlation_id,omitempty"`
	// ContentType describes the body encoding.
	ContentType string `json:"content_type,omitempty"`
	// Label is an application-defined label.
	Label string `json:"label,omitempty"`
	// To is an application-defined destination address.
	To string `json:"to,omitempty"`
	// ReplyTo is an application-defined reply address.
	ReplyTo string `json:"reply_to,omitempty"`
	// TTL overrides the entity default time-to-live when positive.
	TTL time.Duration `json:"ttl,omitempty"`
	// ScheduledEnqueueTime delays visibility until the given instant.
	ScheduledEnqueueTime time.Time `json:"scheduled_enqueue_time,omitempty"`
	// UserProperties carries application key/value metadata.
	UserProperties map[string]string `json:"user_properties,omitempty"`
	// Body is the opaque message payload.
	Body []byte `json:"body,omitempty"`
}

// Message is a message owned by exactly one entity. Once published to a
// topic it is cloned per matching subscription; each clone has its own
// sequence number, delivery count and lock state.
type Message struct {
	// ID is the durable message identity.
	ID string `json:"id"`
	// SessionID is the optional session identifier.
	SessionID string `json:"session_id,omitempty"`
	// CorrelationID is the optional correlation identifier.
	CorrelationID string `json:"correlation_id,omitempty"`
	// ContentType describes the body encoding.
	ContentType string `json:"content_type,omitempty"`
	// Label is the application-defined label.
	Label string `json:"label,omitempty"`
	// To is the application-defined destination address.
	To string `json:"to,omitempty"`
	// ReplyTo is the application-defined reply address.
	ReplyTo string `json:"reply_to,omitempty"`
	// TTL is the message time-to-live; zero means no expiry.
	TTL time.Duration `json:"ttl,omitempty"`
	// ScheduledEnqueueTime delays visibility until the given instant.
	ScheduledEnqueueTime time.Time `json:"scheduled_enqueue_time,omitempty"`
	// UserProperties carries application key/value metadata.
	UserProperties map[string]string `json:"user_properties,omitempty"`
	// Body is the opaque message payload.
	Body []byte `json:"body,omitempty"`

	// EnqueuedTime is the broker-assigned arrival timestamp.
	EnqueuedTime time.Time `json:"enqueued_time"`
	// SequenceNumber is monotonic within the owning entity, starting at 1.
	SequenceNumber int64 `json:"sequence_number"`
	// DeliveryCount is the number of delivery attempts so far.
	DeliveryCount int32 `json:"delivery_count"`
	// LockToken is the current lease token while the message is locked.
	LockToken string `json:"lock_token,omitempty"`
	// LockedUntil is the lease deadline while the message is locked.
	LockedUntil time.Time `json:"locked_until,omitempty"`
	// DeadLetterReason records why the message was dead-lettered.
	DeadLetterReason string `json:"dead_letter_reason,omitempty"`
	// DeadLetterDescription elaborates on the dead-letter reason.
	DeadLetterDescription string `json:"dead_letter_description,omitempty"`
	// Locked reports whether the message is currently leased.
	Locked bool `json:"locked"`
	// DeadLettered reports whether the message is in the dead-letter sink.
	DeadLettered bool `json:"dead_lettered"`
}

// newMessage builds an entity-owned message from a send request. Sequence
// number assignment happens on backlog append.
func newMessage(req *SendRequest, now time.Time, defaultTTL time.Duration) *Message {
	id := req.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	m := &Message{
		ID:                   id,
		SessionID:            req.SessionID,
		CorrelationID:        req.CorrelationID,
		ContentType:          req.ContentType,
		Label:                req.Label,
		To:                   req.To,
		ReplyTo:              req.ReplyTo,
		TTL:                  ttl,
		ScheduledEnqueueTime: req.ScheduledEnqueueTime,
		Body:                 append([]byte(nil), req.Body...),
		EnqueuedTime:         now,
	}
	if len(req.UserProperties) > 0 {
		m.UserProperties = make(map[string]string, len(req.UserProperties))
		for k, v := range req.UserProperties {
			m.UserProperties[k] = v
		}
	}
	return m
}

// Clone returns a deep copy of the message. Fan-out uses it to give each
// matching subscription an independent copy.
func (m *Message) Clone() *Message {
	c := *m
	c.Body = append([]byte(nil), m.Body...)
	if m.UserProperties != nil {
		c.UserProperties = make(map[string]string, len(m.UserProperties))
		for k, v := range m.UserProperties {
			c.UserProperties[k] = v
		}
	}
	return &c
}

// Size returns the accounted size of the message: body plus user property
// keys and values.
func (m *Message) Size() int {
	n := len(m.Body)
	for k, v := range m.UserProperties {
		n += len(k) + len(v)
	}
	return n
}

// requestSize mirrors Message.Size for a not-yet-accepted request.
func requestSize(req *SendRequest) int {
	n := len(req.Body)
	for k, v := range req.UserProperties {
		n += len(k) + len(v)
	}
	return n
}

// expired reports whether the message TTL has elapsed at the given instant.
func (m *Message) expired(now time.Time) bool {
	return m.TTL > 0 && now.After(m.EnqueuedTime.Add(m.TTL))
}

// scheduledAfter reports whether the message is still scheduled for the
// future at the given instant. Scheduled messages stay in the backlog but
// are skipped by receive until their deadline passes.
func (m *Message) scheduledAfter(now time.Time) bool {
	return !m.ScheduledEnqueueTime.IsZero() && m.ScheduledEnqueueTime.After(now)
}

// validateSendRequest applies structural checks before the broker mutex is
// acquired. Size ceilings are enforced separately against entity settings.
func validateSendRequest(req *SendRequest) error {
	if req == nil {
		return NewError(ErrCodeInvalidArgument, "send request must not be nil")
	}
	for k := range req.UserProperties {
		if k == "" {
			return NewError(ErrCodeInvalidArgument, "user property keys must not be empty")
		}
	}
	return nil
}
