package chat

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Reconnect spaces out connection attempts. Retries never stop on their own;
// only the context ends them.
type Reconnect struct {
	backOff *backoff.ExponentialBackOff
}

func NewReconnect(initialTimeout time.Duration, maxTimeout time.Duration) *Reconnect {
	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = initialTimeout
	backOff.MaxInterval = maxTimeout
	backOff.MaxElapsedTime = 0
	backOff.Reset()
	return &Reconnect{
		backOff: backOff,
	}
}

// after a connection that was established, the next failure starts from the initial timeout
func (self *Reconnect) Reset() {
	self.backOff.Reset()
}

func (self *Reconnect) Wait(ctx context.Context) bool {
	timeout := self.backOff.NextBackOff()
	if timeout == backoff.Stop {
		timeout = self.backOff.MaxInterval
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(timeout):
		return true
	}
}
