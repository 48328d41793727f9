package chat

import (
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Sync waits until every task posted before it has run
func (self *Session) Sync() bool {
	done := make(chan struct{})
	if !self.do(func() {
		close(done)
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-self.ctx.Done():
		return false
	}
}

// ChannelMessages reads the log of any channel, not just the active one
func (self *Session) ChannelMessages(channelId Id) []*Message {
	var messages []*Message
	done := make(chan struct{})
	if !self.do(func() {
		defer close(done)
		messages = self.store.Messages(channelId)
	}) {
		return nil
	}
	select {
	case <-done:
	case <-self.ctx.Done():
	}
	return messages
}

func (self *Session) FramesReceived(frameType string) float64 {
	return testutil.ToFloat64(self.metrics.framesReceived.WithLabelValues(frameType))
}

func (self *Session) DecodeErrors() float64 {
	return testutil.ToFloat64(self.metrics.decodeErrors)
}

func (self *Session) Reconnects() float64 {
	return testutil.ToFloat64(self.metrics.reconnects)
}

func (self *Session) ConnectedGauge() float64 {
	return testutil.ToFloat64(self.metrics.connected)
}
