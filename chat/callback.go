package chat

import (
	"slices"
	"sync"

	"github.com/oklog/ulid/v2"
)

type callbackEntry[T any] struct {
	callbackId ulid.ULID
	callback   T
}

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex   sync.Mutex
	entries []callbackEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		entries: []callbackEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbacks := make([]T, 0, len(self.entries))
	for _, entry := range self.entries {
		callbacks = append(callbacks, entry.callback)
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) ulid.ULID {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := ulid.Make()
	nextEntries := slices.Clone(self.entries)
	nextEntries = append(nextEntries, callbackEntry[T]{
		callbackId: callbackId,
		callback:   callback,
	})
	self.entries = nextEntries
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId ulid.ULID) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.IndexFunc(self.entries, func(entry callbackEntry[T]) bool {
		return entry.callbackId == callbackId
	})
	if i < 0 {
		// not present
		return
	}
	nextEntries := slices.Clone(self.entries)
	nextEntries = slices.Delete(nextEntries, i, i+1)
	self.entries = nextEntries
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.entries)
}
