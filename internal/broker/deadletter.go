package broker

import "time"

// deadLetters is the per-entity terminal bucket. Append-only; messages here
// are never redelivered through receive, only listed explicitly.
type deadLetters struct {
	messages []*Message
}

func newDeadLetters() *deadLetters {
	return &deadLetters{}
}

// admit marks the message dead-lettered, clears its lock fields and appends
// it to the sink.
func (d *deadLetters) admit(m *Message, reason, description string) {
	m.LockToken = ""
	m.LockedUntil = time.Time{}
	m.Locked = false
	m.DeadLettered = true
	m.DeadLetterReason = reason
	m.DeadLetterDescription = description
	d.messages = append(d.messages, m)
}

// restore appends a persisted dead-lettered message as-is.
func (d *deadLetters) restore(m *Message) {
	d.messages = append(d.messages, m)
}

// list returns a paged snapshot in admission order.
func (d *deadLetters) list(skip, top int) []*Message {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(d.messages) {
		return nil
	}
	rest := d.messages[skip:]
	if top > 0 && top < len(rest) {
		rest = rest[:top]
	}
	out := make([]*Message, len(rest))
	copy(out, rest)
	return out
}

// containsID reports whether any dead-lettered message carries the given ID.
func (d *deadLetters) containsID(id string) bool {
	for _, m := range d.messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

// snapshot returns the sink contents in order.
func (d *deadLetters) snapshot() []*Message {
	out := make([]*Message, len(d.messages))
	copy(out, d.messages)
	return out
}

func (d *deadLetters) len() int {
	return len(d.messages)
}
