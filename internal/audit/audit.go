// Package audit provides broker audit sinks: a structured-log sink for
// production and an in-memory sink for tests and the admin API.
package audit

import (
	"sync"

	"github.com/sirupsen/logrus"

	"dev.helix.bus/internal/broker"
)

// LogSink writes each audit record as one structured log line.
type LogSink struct {
	logger logrus.FieldLogger
}

// NewLogSink builds a sink over the given logger. A nil logger uses the
// standard logrus logger.
func NewLogSink(logger logrus.FieldLogger) *LogSink {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogSink{logger: logger}
}

// Emit implements broker.AuditSink.
func (s *LogSink) Emit(r broker.AuditRecord) {
	entry := s.logger.WithFields(logrus.Fields{
		"audit":       true,
		"event_type":  r.EventType,
		"entity_type": r.EntityType,
		"entity_name": r.EntityName,
		"version":     r.Version,
		"timestamp":   r.Timestamp,
	})
	if r.User != "" {
		entry = entry.WithField("user", r.User)
	}
	for k, v := range r.Fields {
		entry = entry.WithField(k, v)
	}
	entry.Info("audit event")
}

// MemorySink retains the most recent records in a bounded ring.
type MemorySink struct {
	mu      sync.Mutex
	records []broker.AuditRecord
	limit   int
}

// DefaultMemorySinkLimit bounds the in-memory record ring.
const DefaultMemorySinkLimit = 1000

// NewMemorySink builds a bounded in-memory sink. A non-positive limit selects
// the default.
func NewMemorySink(limit int) *MemorySink {
	if limit <= 0 {
		limit = DefaultMemorySinkLimit
	}
	return &MemorySink{limit: limit}
}

// Emit implements broker.AuditSink. The oldest record is dropped once the
// ring is full.
func (s *MemorySink) Emit(r broker.AuditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	if len(s.records) > s.limit {
		s.records = s.records[len(s.records)-s.limit:]
	}
}

// Records returns a copy of the retained records, oldest first.
func (s *MemorySink) Records() []broker.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]broker.AuditRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Tee fans each record out to every sink.
type Tee []broker.AuditSink

// Emit implements broker.AuditSink.
func (t Tee) Emit(r broker.AuditRecord) {
	for _, s := range t {
		s.Emit(r)
	}
}
