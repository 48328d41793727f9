package chat

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id `json:"a"`
		B Id `json:"b,omitempty"`
	}

	var test Test
	err := json.Unmarshal([]byte(`{"a": 42, "b": "abc"}`), &test)
	assert.Equal(t, err, nil)
	assert.Equal(t, test.A, Id("42"))
	assert.Equal(t, test.B, Id("abc"))

	testBytes, err := json.Marshal(&test)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(testBytes), `{"a":42,"b":"abc"}`)

	// leading zeros and non digits stay strings
	for _, id := range []Id{"007", "12a", "-1", "1234567890123456789"} {
		idBytes, err := json.Marshal(id)
		assert.Equal(t, err, nil)
		var s string
		assert.Equal(t, json.Unmarshal(idBytes, &s), nil)
		assert.Equal(t, Id(s), id)
	}

	test = Test{}
	err = json.Unmarshal([]byte(`{"a": null}`), &test)
	assert.Equal(t, err, nil)
	assert.Equal(t, test.A.IsZero(), true)

	err = json.Unmarshal([]byte(`{"a": true}`), &test)
	assert.NotEqual(t, err, nil)
}

func TestMessageJson(t *testing.T) {
	messageJson := `{
		"id": 7,
		"content": "hi",
		"sender_id": 2,
		"created_at": "2024-01-01T00:00:00.000000",
		"reactions": {"👍": [2, 3, 3]},
		"reply_count": 1
	}`
	var message Message
	err := json.Unmarshal([]byte(messageJson), &message)
	assert.Equal(t, err, nil)
	assert.Equal(t, message.Id, Id("7"))
	assert.Equal(t, message.AuthorId, Id("2"))
	assert.Equal(t, message.ReplyCount, 1)
	// duplicates collapse
	assert.Equal(t, message.Reactions.Users("👍").Len(), 2)
	assert.Equal(t, message.Reactions.Users("👍").Sorted(), []Id{"2", "3"})
	assert.Equal(t, message.Reactions.Users("🎉").Len(), 0)

	// no channel or parent
	_, ok := message.Validate().(*ValidationError)
	assert.Equal(t, ok, true)

	message.ChannelId = "1"
	assert.Equal(t, message.Validate(), nil)

	message.ParentId = "3"
	_, ok = message.Validate().(*ValidationError)
	assert.Equal(t, ok, true)
}

func TestMessageClone(t *testing.T) {
	message := &Message{
		Id:        "1",
		ChannelId: "1",
		Reactions: Reactions{
			"👍": NewUserSet("a"),
			"🎉": NewUserSet(),
		},
	}
	clone := message.Clone()
	clone.Reactions["👍"]["b"] = struct{}{}

	assert.Equal(t, message.Reactions.Users("👍").Len(), 1)
	assert.Equal(t, clone.Reactions.Users("👍").Len(), 2)
	// empty sets are dropped
	_, ok := clone.Reactions["🎉"]
	assert.Equal(t, ok, false)
}
