// Package ratelimit provides the token bucket used to limit outbound ICMP
// error messages.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter.
// A nil *TokenBucket allows everything.
type TokenBucket struct {
	rate       float64          // tokens per second
	capacity   int              // maximum tokens
	tokens     float64          // current tokens
	lastUpdate time.Time        // last time tokens were updated
	now        func() time.Time // clock
	mu         sync.Mutex
}

// NewTokenBucket creates a new token bucket rate limiter. A rate of zero or
// less disables limiting and returns nil. Capacity is raised to 1 when lower.
func NewTokenBucket(rate float64, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate float64, capacity int, now func() time.Time) *TokenBucket {
	if rate <= 0 {
		return nil
	}
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		rate:       rate,
		capacity:   capacity,
		tokens:     float64(capacity), // Start full
		lastUpdate: now(),
		now:        now,
	}
}

// Allow checks if a request is allowed (consumes 1 token).
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN checks if n requests are allowed (consumes n tokens).
func (tb *TokenBucket) AllowN(n int) bool {
	if tb == nil {
		return true
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}

	return false
}

// refill adds tokens based on elapsed time.
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastUpdate).Seconds()
	tb.lastUpdate = now

	tb.tokens += elapsed * tb.rate
	if tb.tokens > float64(tb.capacity) {
		tb.tokens = float64(tb.capacity)
	}
}

// Tokens returns the current number of tokens.
func (tb *TokenBucket) Tokens() float64 {
	if tb == nil {
		return 0
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// Rate returns the token rate.
func (tb *TokenBucket) Rate() float64 {
	if tb == nil {
		return 0
	}
	return tb.rate
}

// Capacity returns the bucket capacity.
func (tb *TokenBucket) Capacity() int {
	if tb == nil {
		return 0
	}
	return tb.capacity
}
