package resilience

import "time"

// RetryPolicy retries transient failures with a fixed pause between
// attempts.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	p := RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 2
	}
	if p.Backoff <= 0 {
		p.Backoff = 200 * time.Millisecond
	}
	return p
}

// Do runs fn up to MaxRetries+1 times, returning nil on the first
// success or the last attempt's error.
func (p RetryPolicy) Do(fn func() error) error {
	attempts := p.MaxRetries + 1
	var err error
	for n := 0; n < attempts; n++ {
		if err = fn(); err == nil {
			return nil
		}
		if n < attempts-1 {
			time.Sleep(p.Backoff)
		}
	}
	return err
}
