package core

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy computes the wait between step attempts: exponential backoff
// starting at InitialDelay, multiplied by Multiplier per retry, capped at
// MaxDelay, with optional +/- Jitter fraction. The wait is always bounded by
// MaxDelay*(1+Jitter).
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultRetryPolicy returns the defaults used when a plan does not override them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.25,
	}
}

// Delay returns the wait before retry number retry (0 = before the second attempt).
func (p RetryPolicy) Delay(retry int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(retry))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		jitter := delay * p.Jitter * (2*rand.Float64() - 1)
		delay += jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Clock abstracts waiting so retry and probe timing can be tested without sleeping.
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock is the wall clock.
var RealClock Clock = realClock{}
