package orchestrator

import (
	"math"
	"time"
)

// Backoff computes retry delays as min(Max, Base * Multiplier^retry).
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Multiplier: 2, Max: 30 * time.Second}
}

// Delay returns the wait before retry number retry, counting from zero.
func (b Backoff) Delay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Base) * math.Pow(mult, float64(retry))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
