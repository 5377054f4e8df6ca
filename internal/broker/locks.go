package broker

import (
	"time"

	"github.com/google/uuid"
)

// lease is a leased message together with its lock deadline.
type lease struct {
	message  *Message
	deadline time.Time
	// seq orders expiry reclamation deterministically.
	seq uint64
}

// lockTable tracks leased messages per entity, keyed by lock token. Lookup
// by token is the only access path; the broker mutex serializes all calls.
type lockTable struct {
	leases map[string]*lease
	// grants increments per grant so expired leases reclaim in grant order.
	grants uint64
}

func newLockTable() *lockTable {
	return &lockTable{leases: make(map[string]*lease)}
}

// grant mints a fresh lock token and leases the message until
// now+lockDuration. The message's lock fields are set accordingly.
func (t *lockTable) grant(m *Message, now time.Time, lockDuration time.Duration) string {
	token := uuid.NewString()
	deadline := now.Add(lockDuration)
	m.LockToken = token
	m.LockedUntil = deadline
	m.Locked = true
	t.grants++
	t.leases[token] = &lease{message: m, deadline: deadline, seq: t.grants}
	return token
}

// lookup returns the lease for a token, or nil when the token is unknown.
func (t *lockTable) lookup(token string) *lease {
	return t.leases[token]
}

// renew extends the lease deadline to now+lockDuration and returns the new
// deadline.
func (t *lockTable) renew(token string, now time.Time, lockDuration time.Duration) (time.Time, bool) {
	l, ok := t.leases[token]
	if !ok {
		return time.Time{}, false
	}
	l.deadline = now.Add(lockDuration)
	l.message.LockedUntil = l.deadline
	return l.deadline, true
}

// release removes the lease and clears the message's lock fields.
func (t *lockTable) release(token string) *Message {
	l, ok := t.leases[token]
	if !ok {
		return nil
	}
	delete(t.leases, token)
	m := l.message
	m.LockToken = ""
	m.LockedUntil = time.Time{}
	m.Locked = false
	return m
}

// expiredTokens returns the tokens whose deadline lies in the past, in grant
// order.
func (t *lockTable) expiredTokens(now time.Time) []string {
	var expired []*lease
	for _, l := range t.leases {
		if now.After(l.deadline) {
			expired = append(expired, l)
		}
	}
	// Insertion sort by grant sequence; expiry batches are small.
	for i := 1; i < len(expired); i++ {
		for j := i; j > 0 && expired[j-1].seq > expired[j].seq; j-- {
			expired[j-1], expired[j] = expired[j], expired[j-1]
		}
	}
	tokens := make([]string, len(expired))
	for i, l := range expired {
		tokens[i] = l.message.LockToken
	}
	return tokens
}

// snapshot returns the leased messages in grant order. Persistence treats
// locks as volatile: restore returns these to the backlog.
func (t *lockTable) snapshot() []*Message {
	var leases []*lease
	for _, l := range t.leases {
		leases = append(leases, l)
	}
	for i := 1; i < len(leases); i++ {
		for j := i; j > 0 && leases[j-1].seq > leases[j].seq; j-- {
			leases[j-1], leases[j] = leases[j], leases[j-1]
		}
	}
	out := make([]*Message, len(leases))
	for i, l := range leases {
		out[i] = l.message
	}
	return out
}

func (t *lockTable) len() int {
	return len(t.leases)
}

func (t *lockTable) sizeBytes() int64 {
	var n int64
	for _, l := range t.leases {
		n += int64(l.message.Size())
	}
	return n
}
