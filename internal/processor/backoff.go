package processor

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before retry number attempt (1-based):
// Base * Multiplier^(attempt-1), capped at Max, with ±Jitter spread.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64

	// rnd returns a value in [0, 1); nil uses math/rand.
	rnd func() float64
}

// Delay returns the wait before the given attempt is retried.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Base) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		r := rand.Float64
		if b.rnd != nil {
			r = b.rnd
		}
		d *= 1 + b.Jitter*(2*r()-1)
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}
