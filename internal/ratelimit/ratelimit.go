// Package ratelimit gates send and publish traffic per entity using token
// buckets.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PerEntity maintains one token bucket per (entity type, entity name) pair.
// Buckets are created on first use and live for the process lifetime; entity
// counts are quota-bounded so the map stays small.
type PerEntity struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

// New builds a per-entity limiter refilling at ratePerSecond with the given
// burst. Non-positive values disable limiting for that dimension.
func New(ratePerSecond float64, burst int) *PerEntity {
	limit := rate.Limit(ratePerSecond)
	if ratePerSecond <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &PerEntity{
		limit:   limit,
		burst:   burst,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow implements broker.RateLimiter. When the bucket is empty the caller is
// told to retry after roughly one refill period.
func (p *PerEntity) Allow(entityType, entityName string) (bool, time.Duration) {
	p.mu.Lock()
	key := entityType + "/" + entityName
	l, ok := p.buckets[key]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.buckets[key] = l
	}
	p.mu.Unlock()

	if l.Allow() {
		return true, 0
	}
	retry := time.Second
	if p.limit > 0 && p.limit != rate.Inf {
		retry = time.Duration(float64(time.Second) / float64(p.limit))
	}
	return false, retry
}
