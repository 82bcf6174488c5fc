// ratelimit.go implements sliding-window rate limiting for the broker REST API.
//
// The broker enforces a hard cap of 10 requests per second per access token on
// the order APIs and rejects the excess with HTTP 429. A token bucket would let
// bursts straddle window edges, so this file tracks the actual timestamps of
// the last N requests: a request proceeds only when fewer than N requests were
// started in the trailing window, which holds the cap over any 1s span.
//
// Limits are per account. The leader token only issues reads (order book
// replay, trade book) while the follower token issues the actual placements,
// so each account gets its own window.
package exchange

import (
	"context"
	"sync"
	"time"

	"dhan-mirror/pkg/types"
)

// SlidingWindow admits at most limit calls per rolling window. Callers block
// in Wait() until a slot frees or the context is cancelled.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time // start times of admitted calls, oldest first
}

// NewSlidingWindow creates a limiter admitting limit calls per window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		limit:  limit,
		window: window,
		stamps: make([]time.Time, 0, limit),
	}
}

// Wait blocks until the caller may proceed or ctx is cancelled. On success the
// call is recorded against the window.
func (sw *SlidingWindow) Wait(ctx context.Context) error {
	for {
		sw.mu.Lock()
		now := time.Now()
		sw.prune(now)

		if len(sw.stamps) < sw.limit {
			sw.stamps = append(sw.stamps, now)
			sw.mu.Unlock()
			return nil
		}

		// Window full: sleep until the oldest recorded call ages out.
		wait := sw.window - now.Sub(sw.stamps[0]) + 10*time.Millisecond
		sw.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// Pending reports how many slots are currently occupied.
func (sw *SlidingWindow) Pending() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.prune(time.Now())
	return len(sw.stamps)
}

// prune drops stamps older than the window. Caller holds mu.
func (sw *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-sw.window)
	i := 0
	for i < len(sw.stamps) && !sw.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		sw.stamps = append(sw.stamps[:0], sw.stamps[i:]...)
	}
}

// RateLimiter holds one sliding window per account. Every REST call must pass
// the owning account's Wait() before the HTTP request goes out.
type RateLimiter struct {
	Leader   *SlidingWindow
	Follower *SlidingWindow
}

// NewRateLimiter creates per-account limiters at maxRPS requests per second.
func NewRateLimiter(maxRPS int) *RateLimiter {
	return &RateLimiter{
		Leader:   NewSlidingWindow(maxRPS, time.Second),
		Follower: NewSlidingWindow(maxRPS, time.Second),
	}
}

// For returns the window owning the given account's token.
func (rl *RateLimiter) For(account types.Account) *SlidingWindow {
	if account == types.AccountLeader {
		return rl.Leader
	}
	return rl.Follower
}
