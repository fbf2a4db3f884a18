// Package ratelimit implements a lazy-refill token bucket for pacing
// outbound calls.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket is a token bucket with lazy refill (no background goroutine).
// A nil Bucket is unlimited: Allow always succeeds.
type Bucket struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

// PerMinute returns a bucket holding limit tokens, refilled at limit per
// minute. A limit <= 0 returns nil, the unlimited bucket.
func PerMinute(limit int) *Bucket {
	if limit <= 0 {
		return nil
	}
	return &Bucket{
		tokens:   float64(limit),
		max:      float64(limit),
		rate:     float64(limit) / 60.0, // per-minute limit -> per-second rate
		lastFill: time.Now(),
	}
}

// refill adds tokens based on elapsed time since last refill.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

// Allow consumes one token, reporting success and, on refusal, how long
// until a token becomes available.
func (b *Bucket) Allow() (bool, time.Duration) {
	if b == nil {
		return true, 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.refill(now)
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	deficit := 1 - b.tokens
	return false, time.Duration(deficit / b.rate * float64(time.Second))
}

// Wait blocks until a token is consumed or ctx is done.
func (b *Bucket) Wait(ctx context.Context) error {
	for {
		ok, wait := b.Allow()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
