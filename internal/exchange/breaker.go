package exchange

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by Allow while the breaker is rejecting calls.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerState is the current mode of the REST circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// probeSuccesses is how many consecutive half-open successes close the breaker.
const probeSuccesses = 2

// Breaker trips after a run of consecutive REST failures and rejects calls
// until a cooldown passes. The first calls after the cooldown run as probes:
// two successes close the breaker, any failure reopens it.
//
// Only transport-level failures count; broker rejections of a well-formed
// order (insufficient funds, bad params) are real answers, not outage signs,
// so the client records those as successes.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	log       *slog.Logger

	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker creates a closed breaker tripping after threshold consecutive
// failures and cooling down for the given duration.
func NewBreaker(threshold int, cooldown time.Duration, log *slog.Logger) *Breaker {
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		log:       log.With("component", "breaker"),
		state:     BreakerClosed,
	}
}

// Allow reports whether a call may proceed. While open it returns
// ErrBreakerOpen until the cooldown elapses, then flips to half-open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.successes = 0
		b.log.Info("circuit breaker half-open, probing")
		return nil
	default: // half-open: probes continue until verdict
		return nil
	}
}

// RecordSuccess resets the failure run; in half-open it counts toward closing.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= probeSuccesses {
			b.state = BreakerClosed
			b.failures = 0
			b.log.Info("circuit breaker closed")
		}
	}
}

// RecordFailure counts a transport failure; at the threshold the breaker
// opens, and any half-open failure reopens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = time.Now()
			b.log.Warn("circuit breaker open", "failures", b.failures, "cooldown", b.cooldown)
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.log.Warn("circuit breaker reopened by failed probe")
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
