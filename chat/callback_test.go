package chat

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func() int]()

	aId := callbacks.Add(func() int { return 1 })
	callbacks.Add(func() int { return 2 })
	assert.Equal(t, callbacks.Len(), 2)

	// a snapshot is not changed by later updates
	snapshot := callbacks.Get()
	callbacks.Remove(aId)
	assert.Equal(t, len(snapshot), 2)
	assert.Equal(t, callbacks.Len(), 1)
	assert.Equal(t, callbacks.Get()[0](), 2)

	// removing twice is a noop
	callbacks.Remove(aId)
	assert.Equal(t, callbacks.Len(), 1)
}
