// Package backoff computes reconnect delays using exponential backoff with
// full jitter.
//
// The delay for attempt n is drawn uniformly from [0, min(Base*2^(n-1), Max)).
// Attempts are 1-based: the first reconnect after the initial connection try is
// attempt 1.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	// DefaultBase is the base multiplier for the exponential cap.
	DefaultBase = 50 * time.Millisecond

	// DefaultMax is the ceiling of the exponential cap.
	DefaultMax = 60 * time.Second
)

// Policy describes a full-jitter exponential backoff.
// The zero value is not useful; use Default or fill Base and Max.
type Policy struct {
	// Base is the delay cap for attempt 1.
	Base time.Duration

	// Max bounds the delay cap for every attempt.
	Max time.Duration

	// Float64 returns a pseudo-random number in [0.0, 1.0).
	// Nil means math/rand/v2.Float64.
	Float64 func() float64
}

// Default returns a Policy with DefaultBase and DefaultMax.
func Default() Policy {
	return Policy{
		Base: DefaultBase,
		Max:  DefaultMax,
	}
}

// Cap returns the upper bound of the delay for the given attempt.
func (p Policy) Cap(attempt uint32) time.Duration {
	if attempt == 0 {
		attempt = 1
	}
	if p.Base <= 0 || p.Max <= 0 {
		return 0
	}

	// Computed in float64 so large attempt counters saturate instead of overflowing.
	c := float64(p.Base) * math.Pow(2, float64(attempt-1))
	if c >= float64(p.Max) {
		return p.Max
	}
	return time.Duration(c)
}

// Delay returns a jittered delay in [0, Cap(attempt)).
func (p Policy) Delay(attempt uint32) time.Duration {
	c := p.Cap(attempt)
	if c <= 0 {
		return 0
	}

	r := p.Float64
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(r() * float64(c))
}
