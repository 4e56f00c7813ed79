package device

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// newBackOff returns a doubling, unjittered backoff from base capped at
// max that never gives up on its own.
func newBackOff(base, max time.Duration, clk clockwork.Clock) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval: base,
		Multiplier:      2,
		MaxInterval:     max,
		Stop:            backoff.Stop,
		Clock:           clk,
	}
	b.Reset()
	return b
}
