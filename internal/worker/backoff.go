package worker

import (
	"math/rand"
	"time"
)

// Strategy computes the delay before retry attempt n (1-based).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Backoff defaults.
const (
	DefaultBase = 30 * time.Second
	DefaultCap  = 15 * time.Minute
)

// Exponential doubles the delay each attempt up to Cap, then multiplies by
// a jitter factor in [0.5, 1.5) so synchronized retries spread out.
type Exponential struct {
	Base time.Duration
	Cap  time.Duration

	// jitter is overridable for tests; defaults to rand.Float64.
	jitter func() float64
}

func NewExponential(base, cap time.Duration) *Exponential {
	if base <= 0 {
		base = DefaultBase
	}
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Exponential{Base: base, Cap: cap, jitter: rand.Float64}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := e.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.Cap {
			d = e.Cap
			break
		}
	}
	if d > e.Cap {
		d = e.Cap
	}
	factor := 0.5 + e.jitter()
	return time.Duration(float64(d) * factor)
}

// Linear grows the delay by Base each attempt up to Cap.
type Linear struct {
	Base time.Duration
	Cap  time.Duration
}

func (l Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := l.Base * time.Duration(attempt)
	if d > l.Cap {
		d = l.Cap
	}
	return d
}

// Constant always waits Base.
type Constant struct {
	Base time.Duration
}

func (c Constant) Delay(int) time.Duration {
	return c.Base
}

// StrategyFor maps an operator-selected policy name to a Strategy.
// Unknown names fall back to exponential.
func StrategyFor(policy string, base, cap time.Duration) Strategy {
	switch policy {
	case "linear":
		return Linear{Base: base, Cap: cap}
	case "constant":
		return Constant{Base: base}
	default:
		return NewExponential(base, cap)
	}
}
