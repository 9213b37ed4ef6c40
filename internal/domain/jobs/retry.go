package jobs

import "time"

// RetryBaseDelay is the unit of the quadratic retry schedule.
const RetryBaseDelay = 10 * time.Second

// RetryPolicy spaces retries as attempts² × Base: 10s, 40s, 90s, 160s for the default base.
type RetryPolicy struct {
	Base time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: RetryBaseDelay}
}

// Delay returns the wait before the next attempt given attempts already made.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	base := p.Base
	if base <= 0 {
		base = RetryBaseDelay
	}
	return time.Duration(attempts*attempts) * base
}

// NextRunAt is now + Delay(attempts).
func (p RetryPolicy) NextRunAt(now time.Time, attempts int) time.Time {
	return now.Add(p.Delay(attempts))
}
