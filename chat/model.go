package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"golang.org/x/exp/maps"
)

// ids are opaque to the client. The backend assigns integer keys,
// so the codec reads json numbers or strings and writes all-digit ids back as numbers.
type Id string

func (self Id) IsZero() bool {
	return self == ""
}

func (self Id) String() string {
	return string(self)
}

func (self Id) isNumeric() bool {
	if len(self) == 0 || 18 < len(self) {
		return false
	}
	if 1 < len(self) && self[0] == '0' {
		return false
	}
	for i := 0; i < len(self); i += 1 {
		if self[i] < '0' || '9' < self[i] {
			return false
		}
	}
	return true
}

func (self Id) MarshalJSON() ([]byte, error) {
	if self.isNumeric() {
		return []byte(self), nil
	}
	return json.Marshal(string(self))
}

func (self *Id) UnmarshalJSON(src []byte) error {
	src = bytes.TrimSpace(src)
	if len(src) == 0 || bytes.Equal(src, []byte("null")) {
		*self = ""
		return nil
	}
	if src[0] == '"' {
		var s string
		if err := json.Unmarshal(src, &s); err != nil {
			return err
		}
		*self = Id(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(src, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", src, err)
	}
	*self = Id(n.String())
	return nil
}

type Channel struct {
	Id          Id     `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (self *Channel) Clone() *Channel {
	channel := *self
	return &channel
}

// UserSet is the set of user ids that have an emoji toggled on.
// On the wire it is a json list. Duplicates in a received list collapse.
type UserSet map[Id]struct{}

func NewUserSet(userIds ...Id) UserSet {
	userSet := UserSet{}
	for _, userId := range userIds {
		userSet[userId] = struct{}{}
	}
	return userSet
}

func (self UserSet) Contains(userId Id) bool {
	_, ok := self[userId]
	return ok
}

func (self UserSet) Len() int {
	return len(self)
}

func (self UserSet) Sorted() []Id {
	userIds := make([]Id, 0, len(self))
	for userId := range self {
		userIds = append(userIds, userId)
	}
	slices.Sort(userIds)
	return userIds
}

func (self UserSet) Clone() UserSet {
	if self == nil {
		return UserSet{}
	}
	return maps.Clone(self)
}

func (self UserSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(self.Sorted())
}

func (self *UserSet) UnmarshalJSON(src []byte) error {
	var userIds []Id
	if err := json.Unmarshal(src, &userIds); err != nil {
		return err
	}
	*self = NewUserSet(userIds...)
	return nil
}

// emoji -> voters
type Reactions map[string]UserSet

// Users returns the voters for the emoji. The result is never nil.
func (self Reactions) Users(emoji string) UserSet {
	if userSet, ok := self[emoji]; ok && userSet != nil {
		return userSet
	}
	return UserSet{}
}

// Clone deep copies the aggregate, dropping emojis with no voters.
func (self Reactions) Clone() Reactions {
	reactions := Reactions{}
	for emoji, userSet := range self {
		if 0 < len(userSet) {
			reactions[emoji] = userSet.Clone()
		}
	}
	return reactions
}

// A top level message has a `ChannelId`. A reply has a `ParentId`. Never both.
type Message struct {
	Id         Id        `json:"id"`
	ChannelId  Id        `json:"channel_id,omitempty"`
	ParentId   Id        `json:"parent_id,omitempty"`
	AuthorId   Id        `json:"sender_id"`
	Content    string    `json:"content"`
	CreatedAt  string    `json:"created_at,omitempty"`
	Reactions  Reactions `json:"reactions,omitempty"`
	ReplyCount int       `json:"reply_count"`
}

func (self *Message) IsReply() bool {
	return !self.ParentId.IsZero()
}

func (self *Message) Validate() error {
	if self.Id.IsZero() {
		return &ValidationError{Field: "id", Message: "message has no id"}
	}
	switch {
	case self.ChannelId.IsZero() && self.ParentId.IsZero():
		return &ValidationError{Field: "channel_id", Message: fmt.Sprintf("message %s has no channel or parent", self.Id)}
	case !self.ChannelId.IsZero() && !self.ParentId.IsZero():
		return &ValidationError{Field: "parent_id", Message: fmt.Sprintf("message %s has both a channel and a parent", self.Id)}
	}
	return nil
}

func (self *Message) Clone() *Message {
	message := *self
	message.Reactions = self.Reactions.Clone()
	return &message
}

// DirectMessage is a private message between two users. Users are named by username.
type DirectMessage struct {
	Id        Id     `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient,omitempty"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at,omitempty"`
}

func (self *DirectMessage) Clone() *DirectMessage {
	directMessage := *self
	return &directMessage
}

func cloneMessages(messages []*Message) []*Message {
	clones := make([]*Message, 0, len(messages))
	for _, message := range messages {
		clones = append(clones, message.Clone())
	}
	return clones
}
