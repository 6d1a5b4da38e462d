package forward

import (
	"time"

	"nyx-proxy-go/internal/config"
)

// Policy is the retry budget and timing of one entry point.
type Policy struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	// Timeout bounds a single attempt until response headers arrive.
	Timeout   time.Duration
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// PolicyFor builds the policy of a resolved retry profile.
func PolicyFor(p config.RetryProfile) Policy {
	return Policy{
		MaxRetries: p.MaxRetries,
		Timeout:    p.Timeout,
		BaseDelay:  config.BackoffBase,
		MaxDelay:   config.BackoffMax,
	}
}

// Backoff returns the delay after the given zero-based attempt:
// min(BaseDelay * 2^attempt, MaxDelay).
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	return min(d, p.MaxDelay)
}
