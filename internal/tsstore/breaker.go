package tsstore

import (
	"context"
	"sync"
	"time"
)

// BreakerState is one of the three circuit-breaker states.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultFailureThreshold = 3
	defaultCooldown         = 60 * time.Second
)

// Breaker gates writes to the time-series store. It opens after three
// consecutive write failures, and while open every call is rejected
// synchronously without contacting the store. After the cooldown
// elapses, the next call performs a health check: passing closes the
// breaker, failing keeps it open and restarts the cooldown.
type Breaker struct {
	mu sync.Mutex

	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time

	failureThreshold int
	cooldown         time.Duration

	healthCheck func(ctx context.Context) error
	onRestored  func()
}

// NewBreaker constructs a closed breaker. healthCheck is invoked once
// the cooldown has elapsed to decide whether to close again; onRestored
// fires the first time a write succeeds after one or more failures.
func NewBreaker(healthCheck func(ctx context.Context) error, onRestored func()) *Breaker {
	return &Breaker{
		state:            Closed,
		failureThreshold: defaultFailureThreshold,
		cooldown:         defaultCooldown,
		healthCheck:      healthCheck,
		onRestored:       onRestored,
	}
}

// Allow decides whether a write attempt may proceed. It is the only
// breaker method that may block (on the health check) and the only
// one that changes the breaker's network-facing behavior.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	state := b.state
	openedAt := b.openedAt
	b.mu.Unlock()

	if state == Closed {
		return true
	}

	if time.Since(openedAt) < b.cooldown {
		return false
	}

	b.mu.Lock()
	b.state = HalfOpen
	b.mu.Unlock()

	err := b.healthCheck(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.state = Closed
		return true
	}
	b.state = Open
	b.openedAt = time.Now()
	return false
}

// RecordFailure registers a write failure, opening the breaker once
// the consecutive-failure threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	if b.state == Closed && b.consecutiveFailures >= b.failureThreshold {
		b.state = Open
		b.openedAt = time.Now()
	}
}

// RecordSuccess registers a write success, resetting the failure
// counter and firing onRestored if the write followed one or more
// failures.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	hadFailures := b.consecutiveFailures > 0
	b.consecutiveFailures = 0
	b.state = Closed
	b.mu.Unlock()

	if hadFailures && b.onRestored != nil {
		b.onRestored()
	}
}

// State returns the breaker's current state, for diagnostics.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
