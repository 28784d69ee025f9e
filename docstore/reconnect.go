package docstore

import (
	"time"
)

// Reconnect spaces out connection attempts. The wait counts from when the
// previous attempt started, so a connection that stayed up longer than
// `timeout` reconnects immediately.
type Reconnect struct {
	startTime time.Time
	timeout   time.Duration
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		startTime: time.Now(),
		timeout:   timeout,
	}
}

func (self *Reconnect) After() <-chan time.Time {
	timeout := self.timeout - time.Since(self.startTime)
	if timeout <= 0 {
		c := make(chan time.Time, 1)
		c <- time.Now()
		return c
	}
	return time.After(timeout)
}
