package dlq

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy bounds retries and spaces them with exponential backoff. The same
// policy shape drives publish retries in the producer and apply retries in
// the partition workers.
type Policy struct {
	// MaxAttempts is the total number of attempts, first try included.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter is the fraction of the backoff randomized in both directions,
	// so synchronized failures do not retry in lockstep.
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// Backoff returns the wait after the attempt-th failure (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if ceil := float64(p.MaxBackoff); d > ceil {
		d = ceil
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Exhausted reports whether attempts used up the budget.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
