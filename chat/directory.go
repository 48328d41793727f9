package chat

import (
	"strings"
)

// ChannelDirectory is the set of channels the user can see and the active channel.
// It is owned by the session event loop and has no locking.
type ChannelDirectory struct {
	channels        []*Channel
	activeChannelId Id
}

func NewChannelDirectory() *ChannelDirectory {
	return &ChannelDirectory{
		channels: []*Channel{},
	}
}

// Replace takes the server order. Channels with a missing or repeated id are dropped.
func (self *ChannelDirectory) Replace(channels []*Channel) {
	seen := map[Id]bool{}
	nextChannels := make([]*Channel, 0, len(channels))
	for _, channel := range channels {
		if channel == nil || channel.Id.IsZero() || seen[channel.Id] {
			continue
		}
		seen[channel.Id] = true
		nextChannels = append(nextChannels, channel.Clone())
	}
	self.channels = nextChannels
}

func (self *ChannelDirectory) List() []*Channel {
	channels := make([]*Channel, 0, len(self.channels))
	for _, channel := range self.channels {
		channels = append(channels, channel.Clone())
	}
	return channels
}

func (self *ChannelDirectory) Channel(channelId Id) (*Channel, bool) {
	for _, channel := range self.channels {
		if channel.Id == channelId {
			return channel.Clone(), true
		}
	}
	return nil, false
}

// the active channel does not need to be listed yet, since the list may still be loading
func (self *ChannelDirectory) SetActive(channelId Id) bool {
	if self.activeChannelId == channelId {
		return false
	}
	self.activeChannelId = channelId
	return true
}

func (self *ChannelDirectory) ActiveChannelId() Id {
	return self.activeChannelId
}

func ValidateChannelName(name string) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "name", Message: "channel name cannot be empty"}
	}
	return nil
}
