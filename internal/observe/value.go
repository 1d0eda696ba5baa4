// Package observe holds the small reactive value type the core uses for
// the outputs its collaborators watch: the message list, the sending
// flag, the online flag and the reset status.
package observe

import (
	"slices"
	"sync"
)

// Value is a concurrency-safe value that notifies subscribers on change.
// Subscribers are called synchronously, outside the lock, in
// registration order.
type Value[T any] struct {
	mu     sync.RWMutex
	v      T
	nextID int
	subs   map[int]func(T)
	equal  func(a, b T) bool
}

// NewValue creates a Value holding initial. If equal is non-nil, Set
// skips notification when the new value equals the current one.
func NewValue[T any](initial T, equal func(a, b T) bool) *Value[T] {
	return &Value[T]{
		v:     initial,
		subs:  make(map[int]func(T)),
		equal: equal,
	}
}

// Get returns the current value.
func (o *Value[T]) Get() T {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.v
}

// Set stores v and notifies subscribers.
func (o *Value[T]) Set(v T) {
	o.mu.Lock()
	if o.equal != nil && o.equal(o.v, v) {
		o.mu.Unlock()
		return
	}

	o.v = v
	subs := o.snapshot()
	o.mu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
}

// Subscribe registers fn for future changes and returns a function that
// removes it.
func (o *Value[T]) Subscribe(fn func(T)) (cancel func()) {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

func (o *Value[T]) snapshot() []func(T) {
	ids := make([]int, 0, len(o.subs))
	for id := range o.subs {
		ids = append(ids, id)
	}

	// Map iteration order is random; keep notification order stable.
	slices.Sort(ids)

	out := make([]func(T), 0, len(ids))
	for _, id := range ids {
		out = append(out, o.subs[id])
	}

	return out
}

// Equal is the comparison for comparable types.
func Equal[T comparable](a, b T) bool { return a == b }
