package chat

// ReactionUpdate is the confirmed state of one emoji on one message.
// `Users` is the full resulting voter set, never a delta, so applying an update
// any number of times gives the same state.
// An update with no `Emoji` carries the whole aggregate for the message in `All`.
type ReactionUpdate struct {
	MessageId Id
	Emoji     string
	Users     UserSet
	All       Reactions
}

func (self *ReactionUpdate) Clone() *ReactionUpdate {
	return &ReactionUpdate{
		MessageId: self.MessageId,
		Emoji:     self.Emoji,
		Users:     self.Users.Clone(),
		All:       self.All.Clone(),
	}
}

func applyReactionUpdate(message *Message, update *ReactionUpdate) {
	if update.Emoji == "" {
		message.Reactions = update.All.Clone()
		return
	}
	if message.Reactions == nil {
		message.Reactions = Reactions{}
	}
	if len(update.Users) == 0 {
		delete(message.Reactions, update.Emoji)
	} else {
		message.Reactions[update.Emoji] = update.Users.Clone()
	}
}

// ReactionAggregator commits reaction updates into the messages of a `MessageStore`.
type ReactionAggregator struct {
	store *MessageStore
}

func NewReactionAggregator(store *MessageStore) *ReactionAggregator {
	return &ReactionAggregator{
		store: store,
	}
}

// Apply replaces the voter set of the update's emoji on the target message.
// Returns false when the message is not loaded, in which case the update is dropped
// and the next history or thread load carries the state.
func (self *ReactionAggregator) Apply(update *ReactionUpdate) bool {
	log, message, ok := self.store.locate(update.MessageId)
	if !ok {
		return false
	}
	log.applyReaction(message, update)
	return true
}

func (self *ReactionAggregator) Reactions(messageId Id) Reactions {
	message, ok := self.store.message(messageId)
	if !ok {
		return Reactions{}
	}
	return message.Reactions.Clone()
}

func (self *ReactionAggregator) HasReacted(messageId Id, emoji string, userId Id) bool {
	message, ok := self.store.message(messageId)
	if !ok {
		return false
	}
	return message.Reactions.Users(emoji).Contains(userId)
}
