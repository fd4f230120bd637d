// Package events provides a small publish/subscribe registry. Publishing
// never blocks: a subscriber that is not keeping up misses events.
package events

import "sync"

// A Bus fans out published values to every subscribed channel.
type Bus[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]chan T
}

// Subscribe registers a new listener with the given buffer size. The
// returned function removes the listener and closes its channel.
func (b *Bus[T]) Subscribe(buffer int) (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]chan T)
	}
	id := b.next
	b.next++
	ch := make(chan T, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// Publish delivers v to every subscriber with room in its buffer.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
		}
	}
}
