package stream

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// newDefaultBackoff creates the reconnect backoff: 1s → 30s, multiplier 2x,
// up to ±50% jitter. Reset on every successful connection.
func newDefaultBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.5
	b.Reset()
	return b
}

// newDeterministicBackoff is newDefaultBackoff without jitter. Used by
// tests that assert the exact interval sequence.
func newDeterministicBackoff() *backoff.ExponentialBackOff {
	b := newDefaultBackoff()
	b.RandomizationFactor = 0
	b.Reset()
	return b
}
