// Package events provides typed publish/subscribe feeds. Each publishing
// component owns its feeds; subscribers get an explicit unsubscribe handle.
package events

import (
	"sync"
)

// Handler receives published values.
type Handler[T any] func(T)

// Feed delivers values of one type to its subscribers.
type Feed[T any] struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[uint64]Handler[T]
	order    []uint64
}

// Subscribe registers h and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (f *Feed[T]) Subscribe(h Handler[T]) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.handlers == nil {
		f.handlers = make(map[uint64]Handler[T])
	}
	id := f.next
	f.next++
	f.handlers[id] = h
	f.order = append(f.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { f.remove(id) })
	}
}

func (f *Feed[T]) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.handlers, id)
	for i, v := range f.order {
		if v == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// Publish calls every subscriber synchronously, in subscription order.
// Handlers must not block; a handler may unsubscribe itself.
func (f *Feed[T]) Publish(v T) {
	f.mu.RLock()
	handlers := make([]Handler[T], 0, len(f.order))
	for _, id := range f.order {
		handlers = append(handlers, f.handlers[id])
	}
	f.mu.RUnlock()

	for _, h := range handlers {
		h(v)
	}
}

// Len returns the number of subscribers.
func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.handlers)
}

// Clear removes all subscribers
func (f *Feed[T]) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = nil
	f.order = nil
}
