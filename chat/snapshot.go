package chat

// Snapshot is the observable state of a session after a completed event loop task.
// Snapshots are shared between observers and must be treated as read only.
type Snapshot struct {
	State           SessionState
	UserId          Id
	Channels        []*Channel
	ActiveChannelId Id
	// top level log of the active channel, in delivery order
	Messages       []*Message
	ThreadParentId Id
	Replies        []*Message
}

func (self *Snapshot) Message(messageId Id) (*Message, bool) {
	for _, message := range self.Messages {
		if message.Id == messageId {
			return message, true
		}
	}
	for _, reply := range self.Replies {
		if reply.Id == messageId {
			return reply, true
		}
	}
	return nil, false
}

// HasReacted is true when the session user is in the emoji's voter set. Display only.
func (self *Snapshot) HasReacted(messageId Id, emoji string) bool {
	message, ok := self.Message(messageId)
	if !ok {
		return false
	}
	return message.Reactions.Users(emoji).Contains(self.UserId)
}

func (self *Snapshot) ActiveChannel() (*Channel, bool) {
	for _, channel := range self.Channels {
		if channel.Id == self.ActiveChannelId {
			return channel, true
		}
	}
	return nil, false
}

type ChangeKind string

const (
	ChangeState         ChangeKind = "state"
	ChangeChannels      ChangeKind = "channels"
	ChangeActiveChannel ChangeKind = "active_channel"
	ChangeHistory       ChangeKind = "history"
	ChangeMessage       ChangeKind = "message"
	ChangeThread        ChangeKind = "thread"
	ChangeReply         ChangeKind = "reply"
	ChangeReplyCount    ChangeKind = "reply_count"
	ChangeReactions     ChangeKind = "reactions"
	// a direct message to the session user. It is not stored; see `Change.DirectMessage`
	ChangeDirectMessage ChangeKind = "direct_message"
	// errors with no intent to report to: failed loads, bad frames, lost connections
	ChangeError ChangeKind = "error"
)

type Change struct {
	Kind      ChangeKind
	State     SessionState
	ChannelId Id
	MessageId Id
	ParentId  Id
	Err       error
	// set for `ChangeDirectMessage`
	DirectMessage *DirectMessage
}

// called on the event loop goroutine, with the snapshot that includes the change
type ChangeFunction = func(change *Change, snapshot *Snapshot)
