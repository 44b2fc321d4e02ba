// Package downloader bulk-fetches historical candles for many symbols
// and timeframes into CSV files, with resumable checkpoints and a shared
// rate budget across workers.
package downloader

import (
	"errors"
	"sync"
	"time"
)

// ErrWouldBlock is returned when a token cannot be acquired within the
// caller's patience. The task decides whether to retry or requeue.
var ErrWouldBlock = errors.New("rate limiter: acquire timed out")

// RateLimiter is a token bucket shared by all download workers. The fill
// rate derives from a requests-per-minute budget; a Slowdown halves it
// for a window, which is how 429 responses from the venue propagate to
// every worker at once.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	burst      float64
	fillRate   float64 // tokens per second
	lastRefill time.Time

	slowdownUntil time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

// NewRateLimiter sizes the bucket from a per-minute request budget.
// Non-positive inputs are clamped to a crawl: a zero rate would make
// the wait computation divide by zero and stall every Acquire forever.
func NewRateLimiter(requestsPerMinute int, burst int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		tokens:     float64(burst),
		burst:      float64(burst),
		fillRate:   float64(requestsPerMinute) / 60.0,
		lastRefill: time.Now(),
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// Slowdown halves the effective fill rate until the window expires.
// Overlapping slowdowns extend the window, they do not stack the halving.
func (r *RateLimiter) Slowdown(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	until := r.now().Add(d)
	if until.After(r.slowdownUntil) {
		r.slowdownUntil = until
	}
}

func (r *RateLimiter) effectiveRate(now time.Time) float64 {
	if now.Before(r.slowdownUntil) {
		return r.fillRate / 2
	}
	return r.fillRate
}

// refill is called with the lock held.
func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	r.tokens += elapsed * r.effectiveRate(now)
	if r.tokens > r.burst {
		r.tokens = r.burst
	}
	r.lastRefill = now
}

// Acquire takes one token, waiting up to timeout. It never oversubscribes:
// the number of grants in any window W is bounded by burst + W*fill_rate.
func (r *RateLimiter) Acquire(timeout time.Duration) error {
	deadline := r.now().Add(timeout)
	for {
		r.mu.Lock()
		now := r.now()
		r.refill(now)
		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		// Time until one token exists at the current rate.
		wait := time.Duration((1 - r.tokens) / r.effectiveRate(now) * float64(time.Second))
		r.mu.Unlock()

		if now.Add(wait).After(deadline) {
			return ErrWouldBlock
		}
		r.sleep(wait)
	}
}
