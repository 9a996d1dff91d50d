package transport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newReconnectBackOff returns the delay policy between reconnect attempts.
// Delays double from base up to max and never stop; with jitter j each delay d
// is drawn from [d*(1-j), d*(1+j)].
func newReconnectBackOff(base, max time.Duration, jitter float64) *backoff.ExponentialBackOff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = 30 * time.Second
		if max < base {
			max = base
		}
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.MaxInterval = max
	b.RandomizationFactor = jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
