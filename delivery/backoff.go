package delivery

import (
	"math"
	"math/rand"
	"time"
)

/* BackoffPolicy computes the delay before the next retry attempt:
 * exponential growth from Base with Multiplier, capped at Cap, with
 * optional ±Jitter to spread retries from a burst of failures.
 */
type BackoffPolicy struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	Jitter     float64 // fraction of the delay, e.g. 0.2 for ±20%

	// rnd is injectable so tests get deterministic delays
	rnd func() float64
}

// DefaultBackoff returns the standard retry policy:
// 1m base, doubling, 1h cap, ±20% jitter.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:       time.Minute,
		Multiplier: 2,
		Cap:        time.Hour,
		Jitter:     0.2,
		rnd:        rand.Float64,
	}
}

// WithRand returns a copy of the policy using the given random source
func (p BackoffPolicy) WithRand(rnd func() float64) BackoffPolicy {
	p.rnd = rnd
	return p
}

// Delay computes the wait after the given failed attempt number (1-based).
// The first failure waits Base, the second Base*Multiplier, and so on.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.Cap > 0 && delay > float64(p.Cap) {
		delay = float64(p.Cap)
	}

	if p.Jitter > 0 {
		rnd := p.rnd
		if rnd == nil {
			rnd = rand.Float64
		}
		// Uniform in [-Jitter, +Jitter]
		delay += delay * p.Jitter * (2*rnd() - 1)
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
