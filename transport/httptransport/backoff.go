package httptransport

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffFactory produces a fresh backoff policy for one request's retry
// sequence. Injecting a factory keeps retry timing out of the transport
// itself, so tests can run with zero delay.
type BackoffFactory func() backoff.BackOff

// DefaultBackoff returns the production policy: exponential backoff
// starting at 500ms, doubling up to 10s, with jitter.
func DefaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.Multiplier = 2.0
	b.MaxElapsedTime = 0 // retry count is bounded by the transport, not elapsed time
	return b
}

// NoDelayBackoff returns a policy that retries immediately. For tests.
func NoDelayBackoff() backoff.BackOff {
	return &backoff.ZeroBackOff{}
}
