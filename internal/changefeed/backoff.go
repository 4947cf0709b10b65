package changefeed

import (
	"time"

	"github.com/cenkalti/backoff"
)

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.step * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

// newReconnectBackOff returns backoff.Stop after maxRetries waits.
func newReconnectBackOff(step time.Duration, maxRetries int) backoff.BackOff {
	if maxRetries <= 0 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(&linearBackOff{step: step}, uint64(maxRetries))
}
