package chat

import (
	"fmt"

	"github.com/golang/glog"
)

// an ordered log keyed by message id.
// While a load is in flight, push changes are remembered so that a load response
// generated before they were persisted does not drop them.
type messageLog struct {
	messages []*Message
	index    map[Id]*Message

	loading bool
	pushed  []*Message
	// reaction updates to messages already in the log, in arrival order
	reacted []*ReactionUpdate
	// message ids whose reply count moved
	replyCounted map[Id]bool
}

func newMessageLog() *messageLog {
	return &messageLog{
		messages: []*Message{},
		index:    map[Id]*Message{},
	}
}

func (self *messageLog) get(messageId Id) (*Message, bool) {
	message, ok := self.index[messageId]
	return message, ok
}

func (self *messageLog) append(message *Message) bool {
	if _, ok := self.index[message.Id]; ok {
		return false
	}
	message = message.Clone()
	self.messages = append(self.messages, message)
	self.index[message.Id] = message
	if self.loading {
		self.pushed = append(self.pushed, message)
	}
	return true
}

// applyReaction commits the update to a message in this log
func (self *messageLog) applyReaction(message *Message, update *ReactionUpdate) {
	applyReactionUpdate(message, update)
	if self.loading {
		self.reacted = append(self.reacted, update.Clone())
	}
}

func (self *messageLog) incrementReplyCount(message *Message) {
	message.ReplyCount += 1
	if self.loading {
		self.replyCounted[message.Id] = true
	}
}

func (self *messageLog) beginLoad() {
	self.loading = true
	self.resetLoad()
}

func (self *messageLog) abortLoad() {
	self.loading = false
	self.resetLoad()
}

func (self *messageLog) resetLoad() {
	self.pushed = nil
	self.reacted = nil
	self.replyCounted = map[Id]bool{}
}

// full replace. Messages pushed since `beginLoad` that the response does not have are newer,
// and are kept at the tail in their arrival order. Reaction updates pushed since `beginLoad`
// are applied again on top of the response. A reply count that moved since `beginLoad` never
// goes below the local count, since the response may predate the replies.
func (self *messageLog) replace(messages []*Message) {
	pushed := self.pushed
	reacted := self.reacted
	replyCounts := map[Id]int{}
	for messageId := range self.replyCounted {
		if message, ok := self.index[messageId]; ok {
			replyCounts[messageId] = message.ReplyCount
		}
	}

	self.messages = make([]*Message, 0, len(messages)+len(pushed))
	self.index = map[Id]*Message{}
	self.loading = false
	self.resetLoad()

	for _, message := range messages {
		self.append(message)
	}
	for _, message := range pushed {
		self.append(message)
	}
	for _, update := range reacted {
		if message, ok := self.index[update.MessageId]; ok {
			applyReactionUpdate(message, update)
		}
	}
	for messageId, replyCount := range replyCounts {
		if message, ok := self.index[messageId]; ok && message.ReplyCount < replyCount {
			message.ReplyCount = replyCount
		}
	}
}

func (self *messageLog) ids() []Id {
	ids := make([]Id, 0, len(self.messages))
	for _, message := range self.messages {
		ids = append(ids, message.Id)
	}
	return ids
}

// MessageStore holds a top level log per channel and the log of the one open thread.
// It is owned by the session event loop and has no locking.
type MessageStore struct {
	channelLogs map[Id]*messageLog
	// top level message id -> channel id
	messageChannelIds map[Id]Id

	threadParentId Id
	thread         *messageLog

	// parent id -> reply ids already counted into the parent `ReplyCount`
	countedReplyIds map[Id]map[Id]bool
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		channelLogs:       map[Id]*messageLog{},
		messageChannelIds: map[Id]Id{},
		countedReplyIds:   map[Id]map[Id]bool{},
	}
}

func (self *MessageStore) channelLog(channelId Id) *messageLog {
	log, ok := self.channelLogs[channelId]
	if !ok {
		log = newMessageLog()
		self.channelLogs[channelId] = log
	}
	return log
}

func (self *MessageStore) BeginHistoryLoad(channelId Id) {
	self.channelLog(channelId).beginLoad()
}

func (self *MessageStore) AbortHistoryLoad(channelId Id) {
	if log, ok := self.channelLogs[channelId]; ok {
		log.abortLoad()
	}
}

// LoadHistory replaces the channel log. History is top level only;
// entries for another channel or with a parent are dropped.
func (self *MessageStore) LoadHistory(channelId Id, messages []*Message) {
	log := self.channelLog(channelId)
	for _, messageId := range log.ids() {
		delete(self.messageChannelIds, messageId)
	}

	history := make([]*Message, 0, len(messages))
	for _, message := range messages {
		if message == nil {
			continue
		}
		message = message.Clone()
		if message.ChannelId.IsZero() && message.ParentId.IsZero() {
			message.ChannelId = channelId
		}
		if err := message.Validate(); err != nil {
			glog.Infof("[store]drop history message = %s\n", err)
			continue
		}
		if message.ChannelId != channelId {
			glog.Infof("[store]drop history message %s for channel %s != %s\n", message.Id, message.ChannelId, channelId)
			continue
		}
		history = append(history, message)
	}

	log.replace(history)
	for _, messageId := range log.ids() {
		self.messageChannelIds[messageId] = channelId
	}
}

func (self *MessageStore) Messages(channelId Id) []*Message {
	log, ok := self.channelLogs[channelId]
	if !ok {
		return []*Message{}
	}
	return cloneMessages(log.messages)
}

// Append inserts a top level message at the tail of its channel log,
// unless the id is already present.
func (self *MessageStore) Append(message *Message) (bool, error) {
	if err := message.Validate(); err != nil {
		return false, err
	}
	if message.IsReply() {
		return false, &ValidationError{Field: "parent_id", Message: fmt.Sprintf("message %s is a reply", message.Id)}
	}
	if channelId, ok := self.messageChannelIds[message.Id]; ok && channelId != message.ChannelId {
		return false, &ValidationError{
			Field:   "channel_id",
			Message: fmt.Sprintf("message %s already belongs to channel %s", message.Id, channelId),
		}
	}
	if !self.channelLog(message.ChannelId).append(message) {
		return false, nil
	}
	self.messageChannelIds[message.Id] = message.ChannelId
	return true, nil
}

// locate returns the live top level message or open thread reply, and the log that holds it
func (self *MessageStore) locate(messageId Id) (*messageLog, *Message, bool) {
	if channelId, ok := self.messageChannelIds[messageId]; ok {
		if log, ok := self.channelLogs[channelId]; ok {
			if message, ok := log.get(messageId); ok {
				return log, message, true
			}
		}
	}
	if self.thread != nil {
		if message, ok := self.thread.get(messageId); ok {
			return self.thread, message, true
		}
	}
	return nil, nil, false
}

func (self *MessageStore) message(messageId Id) (*Message, bool) {
	_, message, ok := self.locate(messageId)
	return message, ok
}

func (self *MessageStore) Message(messageId Id) (*Message, bool) {
	if message, ok := self.message(messageId); ok {
		return message.Clone(), true
	}
	return nil, false
}

// BeginThreadLoad opens the thread for `parentId`, closing any other open thread.
// Re-opening the open thread keeps its replies until the load completes.
func (self *MessageStore) BeginThreadLoad(parentId Id) {
	if self.thread == nil || self.threadParentId != parentId {
		self.threadParentId = parentId
		self.thread = newMessageLog()
	}
	self.thread.beginLoad()
}

func (self *MessageStore) AbortThreadLoad(parentId Id) {
	if self.thread != nil && self.threadParentId == parentId {
		self.thread.abortLoad()
	}
}

// LoadThread replaces the open thread's replies.
// Returns false when `parentId` is not the open thread.
func (self *MessageStore) LoadThread(parentId Id, replies []*Message) bool {
	if self.thread == nil || self.threadParentId != parentId {
		return false
	}

	thread := make([]*Message, 0, len(replies))
	for _, reply := range replies {
		if reply == nil {
			continue
		}
		reply = normalizeReply(parentId, reply)
		if err := reply.Validate(); err != nil {
			glog.Infof("[store]drop thread reply = %s\n", err)
			continue
		}
		if reply.ParentId != parentId {
			glog.Infof("[store]drop thread reply %s for parent %s != %s\n", reply.Id, reply.ParentId, parentId)
			continue
		}
		thread = append(thread, reply)
	}

	self.thread.replace(thread)
	// the loaded replies are reflected in the parent count the server sent
	counted := self.counted(parentId)
	for _, replyId := range self.thread.ids() {
		counted[replyId] = true
	}
	return true
}

func (self *MessageStore) CloseThread() {
	self.threadParentId = ""
	self.thread = nil
}

func (self *MessageStore) ThreadParentId() Id {
	return self.threadParentId
}

func (self *MessageStore) IsThreadOpen(parentId Id) bool {
	return self.thread != nil && self.threadParentId == parentId
}

func (self *MessageStore) Replies() []*Message {
	if self.thread == nil {
		return []*Message{}
	}
	return cloneMessages(self.thread.messages)
}

func (self *MessageStore) counted(parentId Id) map[Id]bool {
	counted, ok := self.countedReplyIds[parentId]
	if !ok {
		counted = map[Id]bool{}
		self.countedReplyIds[parentId] = counted
	}
	return counted
}

// AppendReply records a reply to `parentId`.
// The parent's `ReplyCount` is incremented once per reply id. The reply is appended
// only when `parentId` is the open thread, otherwise it is dropped until the thread is loaded.
func (self *MessageStore) AppendReply(parentId Id, reply *Message) (appended bool, counted bool, err error) {
	if parentId.IsZero() {
		parentId = reply.ParentId
	}
	if parentId.IsZero() {
		err = &ValidationError{Field: "parent_id", Message: fmt.Sprintf("reply %s has no parent", reply.Id)}
		return
	}
	if !reply.ParentId.IsZero() && reply.ParentId != parentId {
		err = &ValidationError{
			Field:   "parent_id",
			Message: fmt.Sprintf("reply %s has parent %s, not %s", reply.Id, reply.ParentId, parentId),
		}
		return
	}
	reply = normalizeReply(parentId, reply)
	if err = reply.Validate(); err != nil {
		return
	}

	replyIds := self.counted(parentId)
	if !replyIds[reply.Id] {
		replyIds[reply.Id] = true
		if log, parent, ok := self.locate(parentId); ok && !parent.IsReply() {
			log.incrementReplyCount(parent)
			counted = true
		}
	}

	if self.IsThreadOpen(parentId) {
		appended = self.thread.append(reply)
	}
	return
}

// the parent id from the frame or request is authoritative for replies
func normalizeReply(parentId Id, reply *Message) *Message {
	reply = reply.Clone()
	reply.ParentId = parentId
	reply.ChannelId = ""
	return reply
}
