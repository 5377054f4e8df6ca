package broker

import "time"

// backlog is the per-entity ordered log of pending messages. It assigns the
// entity's monotonic sequence numbers on append. Not safe for concurrent use
// on its own; the broker mutex serializes access.
type backlog struct {
	messages []*Message
	nextSeq  int64
}

func newBacklog() *backlog {
	return &backlog{nextSeq: 1}
}

// append assigns the next sequence number and places the message at the
// tail.
func (b *backlog) append(m *Message) {
	m.SequenceNumber = b.nextSeq
	b.nextSeq++
	b.messages = append(b.messages, m)
}

// reinsert places an abandoned message back at the tail without assigning a
// new sequence number. The message loses its original position.
func (b *backlog) reinsert(m *Message) {
	b.messages = append(b.messages, m)
}

// restore appends a persisted message keeping its recorded sequence number
// and advances the counter past it.
func (b *backlog) restore(m *Message) {
	if m.SequenceNumber >= b.nextSeq {
		b.nextSeq = m.SequenceNumber + 1
	}
	b.messages = append(b.messages, m)
}

// head returns the first message that is not scheduled in the future, or
// nil. Scheduled messages stay in the backlog and regain FIFO standing once
// their deadline passes.
func (b *backlog) head(now time.Time) *Message {
	for _, m := range b.messages {
		if m.scheduledAfter(now) {
			continue
		}
		return m
	}
	return nil
}

// visible iterates deliverable messages in FIFO order, calling fn for each
// until fn returns false. Callers must not mutate the backlog during
// iteration; they collect removals and apply them afterwards.
func (b *backlog) visible(now time.Time, fn func(*Message) bool) {
	for _, m := range b.messages {
		if m.scheduledAfter(now) {
			continue
		}
		if !fn(m) {
			return
		}
	}
}

// remove drops the message with the given identity and sequence number.
// Sequence number disambiguates duplicate-ID sends.
func (b *backlog) remove(m *Message) bool {
	for i, cur := range b.messages {
		if cur.ID == m.ID && cur.SequenceNumber == m.SequenceNumber {
			b.messages = append(b.messages[:i], b.messages[i+1:]...)
			return true
		}
	}
	return false
}

// containsID reports whether any backlog message carries the given ID. Used
// by duplicate detection and idempotent log replay.
func (b *backlog) containsID(id string) bool {
	for _, m := range b.messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

// snapshot returns the backlog contents in order.
func (b *backlog) snapshot() []*Message {
	out := make([]*Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// countVisible returns (deliverable, scheduled) counts at the given instant.
func (b *backlog) countVisible(now time.Time) (active, scheduled int) {
	for _, m := range b.messages {
		if m.scheduledAfter(now) {
			scheduled++
		} else {
			active++
		}
	}
	return active, scheduled
}

func (b *backlog) len() int {
	return len(b.messages)
}

func (b *backlog) sizeBytes() int64 {
	var n int64
	for _, m := range b.messages {
		n += int64(m.Size())
	}
	return n
}
