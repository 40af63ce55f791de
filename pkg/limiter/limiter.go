// Package limiter throttles actors with token buckets, in memory for a
// single node or in Redis when several nodes share the limits.
package limiter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vectornode/vectornode/pkg/errcode"
)

var ErrRateLimited = errcode.New(errcode.RateLimited, "too many requests, slow down")

// Policy defines a per-actor limit.
type Policy struct {
	RPM   int
	Burst int
}

// rate returns the refill rate in tokens per second.
func (p Policy) rate() float64 {
	r := float64(p.RPM) / 60.0
	if r <= 0 {
		r = 1
	}
	return r
}

func (p Policy) burst() int {
	if p.Burst <= 0 {
		return 1
	}
	return p.Burst
}

// Store keeps token buckets.
type Store interface {
	// Allow reports whether actorID may spend cost tokens under policy.
	Allow(ctx context.Context, actorID string, policy Policy, cost int) (bool, error)
}

// Check spends one token for actorID. A nil store disables limiting, and a
// failing store lets the request through.
func Check(ctx context.Context, store Store, actorID string, policy Policy) error {
	if store == nil {
		return nil
	}
	allowed, err := store.Allow(ctx, actorID, policy, 1)
	if err != nil {
		slog.WarnContext(ctx, "rate limiter unavailable", "actor_id", actorID, "error", err)
		return nil
	}
	if !allowed {
		return ErrRateLimited
	}
	return nil
}

// TokenBucket is a thread-safe token bucket.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(ratePerSec float64, capacity int) *TokenBucket {
	return newTokenBucket(ratePerSec, capacity, time.Now)
}

func newTokenBucket(ratePerSec float64, capacity int, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: ratePerSec,
		lastRefill: now(),
		now:        now,
	}
}

// Allow refills the bucket for the elapsed time and spends cost if possible.
func (tb *TokenBucket) Allow(cost int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= float64(cost) {
		tb.tokens -= float64(cost)
		return true
	}
	return false
}

// MemoryStore keeps buckets in process.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*TokenBucket), now: time.Now}
}

func (s *MemoryStore) Allow(_ context.Context, actorID string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	tb, ok := s.buckets[actorID]
	if !ok {
		tb = newTokenBucket(policy.rate(), policy.burst(), s.now)
		s.buckets[actorID] = tb
	}
	s.mu.Unlock()
	return tb.Allow(cost), nil
}
