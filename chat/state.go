package chat

import (
	"fmt"
)

// push connection state machine:
// SessionStateDisconnected
//
//	-> SessionStateConnecting
//	  -> SessionStateDisconnected (dial failed)
//	  -> SessionStateSubscribed (socket open, subscribe sent)
//	    -> SessionStateActive (first frame dispatched)
//	    -> SessionStateErrored (frame failed to decode, socket kept)
//	      -> SessionStateActive (next good frame)
//	    -> SessionStateDisconnected (socket closed)
type SessionState string

const (
	SessionStateDisconnected SessionState = "Disconnected"
	SessionStateConnecting   SessionState = "Connecting"
	SessionStateSubscribed   SessionState = "Subscribed"
	SessionStateActive       SessionState = "Active"
	SessionStateErrored      SessionState = "Errored"
)

var sessionStateTransitions = map[SessionState][]SessionState{
	SessionStateDisconnected: {SessionStateConnecting},
	SessionStateConnecting:   {SessionStateSubscribed, SessionStateDisconnected},
	SessionStateSubscribed:   {SessionStateActive, SessionStateErrored, SessionStateDisconnected},
	SessionStateActive:       {SessionStateErrored, SessionStateDisconnected},
	SessionStateErrored:      {SessionStateActive, SessionStateDisconnected},
}

func (self SessionState) CanTransition(next SessionState) bool {
	for _, state := range sessionStateTransitions[self] {
		if state == next {
			return true
		}
	}
	return false
}

// true when a socket is open and a subscribe has been sent
func (self SessionState) IsConnected() bool {
	switch self {
	case SessionStateSubscribed, SessionStateActive, SessionStateErrored:
		return true
	default:
		return false
	}
}

// syncState is the subscription bookkeeping of the session, separate from the transport.
// Each method returns what the session must do on the wire.
type syncState struct {
	state               SessionState
	subscribedChannelId Id
	openCount           int
}

func newSyncState() *syncState {
	return &syncState{
		state: SessionStateDisconnected,
	}
}

func (self *syncState) transition(next SessionState) error {
	if !self.state.CanTransition(next) {
		return fmt.Errorf("Invalid session transition %s -> %s.", self.state, next)
	}
	self.state = next
	return nil
}

func (self *syncState) connecting() error {
	return self.transition(SessionStateConnecting)
}

// opened returns the channel to subscribe to, and whether this is a reconnect,
// in which case history and thread state must be fetched again to close the gap.
func (self *syncState) opened(activeChannelId Id) (subscribeChannelId Id, resync bool, err error) {
	if err = self.transition(SessionStateSubscribed); err != nil {
		return
	}
	resync = 0 < self.openCount
	self.openCount += 1
	self.subscribedChannelId = activeChannelId
	subscribeChannelId = activeChannelId
	return
}

// activeChanged returns true when exactly one new subscribe must be sent.
func (self *syncState) activeChanged(activeChannelId Id) bool {
	if !self.state.IsConnected() {
		return false
	}
	if activeChannelId.IsZero() || activeChannelId == self.subscribedChannelId {
		return false
	}
	self.subscribedChannelId = activeChannelId
	return true
}

func (self *syncState) frameDecoded() bool {
	switch self.state {
	case SessionStateSubscribed, SessionStateErrored:
		self.state = SessionStateActive
		return true
	default:
		return false
	}
}

func (self *syncState) frameFailed() bool {
	switch self.state {
	case SessionStateSubscribed, SessionStateActive:
		self.state = SessionStateErrored
		return true
	default:
		return false
	}
}

// closed returns false when already disconnected
func (self *syncState) closed() bool {
	if self.state == SessionStateDisconnected {
		return false
	}
	self.state = SessionStateDisconnected
	self.subscribedChannelId = ""
	return true
}
