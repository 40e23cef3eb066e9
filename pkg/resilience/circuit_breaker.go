package resilience

import (
	"errors"
	"sync"
	"time"
)

// RateLimitError marks a vendor 429. Callers can single it out to back
// off harder than for an ordinary failure.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message == "" {
		return "rate limit"
	}
	return e.Message
}

func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// CircuitBreaker suspends an operation for a cooldown once failures
// reach a threshold. A success closes it again immediately.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openUntil time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	b := &CircuitBreaker{threshold: threshold, cooldown: cooldown}
	if b.threshold <= 0 {
		b.threshold = 3
	}
	if b.cooldown <= 0 {
		b.cooldown = 30 * time.Second
	}
	return b
}

// Allow reports whether the operation may proceed.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !time.Now().Before(b.openUntil)
}

func (b *CircuitBreaker) OnSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.openUntil = time.Time{}
	b.mu.Unlock()
}

// OnFailure counts one failure and opens the breaker at the threshold.
func (b *CircuitBreaker) OnFailure() {
	b.mu.Lock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.cooldown)
	}
	b.mu.Unlock()
}
