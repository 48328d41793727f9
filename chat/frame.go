package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	FrameTypeSubscribe      = "subscribe"
	FrameTypeNewMessage     = "new_message"
	FrameTypeNewReply       = "new_reply"
	FrameTypeReactionUpdate = "reaction_update"
	FrameTypeDirectMessage  = "direct_message"
)

// outbound
type SubscribeFrame struct {
	Type      string `json:"type"`
	ChannelId Id     `json:"channel_id"`
}

func EncodeSubscribeFrame(channelId Id) ([]byte, error) {
	return json.Marshal(&SubscribeFrame{
		Type:      FrameTypeSubscribe,
		ChannelId: channelId,
	})
}

// inbound, all types share one envelope
type PushFrame struct {
	Type      string          `json:"type"`
	Message   *Message        `json:"message,omitempty"`
	ParentId  Id              `json:"parent_id,omitempty"`
	MessageId Id              `json:"message_id,omitempty"`
	Emoji     string          `json:"emoji,omitempty"`
	Reactions json.RawMessage `json:"reactions,omitempty"`
	// direct_message
	Sender    string `json:"sender,omitempty"`
	Content   string `json:"content,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

type PushEvent struct {
	Type     string
	Message  *Message
	ParentId Id
	Reaction *ReactionUpdate
	// sent to the recipient whatever channel it is subscribed to
	DirectMessage *DirectMessage
}

func (self *PushEvent) Known() bool {
	switch self.Type {
	case FrameTypeNewMessage, FrameTypeNewReply, FrameTypeReactionUpdate, FrameTypeDirectMessage:
		return true
	default:
		return false
	}
}

// DecodePushFrame returns a `*ProtocolDecodeError` for malformed frames.
// Unknown types decode without error and are left for the caller to ignore.
func DecodePushFrame(frameBytes []byte) (*PushEvent, error) {
	decodeErr := func(err error) (*PushEvent, error) {
		return nil, &ProtocolDecodeError{
			Frame: frameBytes,
			Err:   err,
		}
	}

	var frame PushFrame
	if err := json.Unmarshal(frameBytes, &frame); err != nil {
		return decodeErr(err)
	}
	if frame.Type == "" {
		return decodeErr(errors.New("missing type"))
	}

	event := &PushEvent{
		Type: frame.Type,
	}

	switch frame.Type {
	case FrameTypeNewMessage:
		if frame.Message == nil {
			return decodeErr(fmt.Errorf("%s without message", frame.Type))
		}
		if frame.Message.Id.IsZero() {
			return decodeErr(fmt.Errorf("%s without message id", frame.Type))
		}
		event.Message = frame.Message

	case FrameTypeNewReply:
		if frame.Message == nil {
			return decodeErr(fmt.Errorf("%s without message", frame.Type))
		}
		if frame.Message.Id.IsZero() {
			return decodeErr(fmt.Errorf("%s without message id", frame.Type))
		}
		parentId := frame.ParentId
		if parentId.IsZero() {
			parentId = frame.Message.ParentId
		}
		if parentId.IsZero() {
			return decodeErr(fmt.Errorf("%s without parent_id", frame.Type))
		}
		event.ParentId = parentId
		event.Message = frame.Message

	case FrameTypeReactionUpdate:
		if frame.MessageId.IsZero() {
			return decodeErr(fmt.Errorf("%s without message_id", frame.Type))
		}
		reaction, err := decodeReactions(frame.MessageId, frame.Emoji, frame.Reactions)
		if err != nil {
			return decodeErr(err)
		}
		event.Reaction = reaction

	case FrameTypeDirectMessage:
		if frame.MessageId.IsZero() {
			return decodeErr(fmt.Errorf("%s without message_id", frame.Type))
		}
		if frame.Sender == "" {
			return decodeErr(fmt.Errorf("%s without sender", frame.Type))
		}
		event.DirectMessage = &DirectMessage{
			Id:        frame.MessageId,
			Sender:    frame.Sender,
			Content:   frame.Content,
			CreatedAt: frame.CreatedAt,
		}
	}

	return event, nil
}

// with an emoji, `reactions` is the voter list of that emoji.
// Without one, it is the full emoji -> voter list map of the message.
func decodeReactions(messageId Id, emoji string, reactionsBytes json.RawMessage) (*ReactionUpdate, error) {
	reactionsBytes = bytes.TrimSpace(reactionsBytes)
	empty := len(reactionsBytes) == 0 || bytes.Equal(reactionsBytes, []byte("null"))

	if emoji != "" {
		users := UserSet{}
		if !empty {
			if err := json.Unmarshal(reactionsBytes, &users); err != nil {
				return nil, fmt.Errorf("reactions for %s: %w", emoji, err)
			}
		}
		return &ReactionUpdate{
			MessageId: messageId,
			Emoji:     emoji,
			Users:     users,
		}, nil
	}

	if empty {
		return nil, errors.New("reaction_update without emoji or reactions")
	}
	all := Reactions{}
	if err := json.Unmarshal(reactionsBytes, &all); err != nil {
		return nil, fmt.Errorf("reactions: %w", err)
	}
	return &ReactionUpdate{
		MessageId: messageId,
		All:       all,
	}, nil
}
