// Package event provides a typed subscriber list for the core's outbound
// notifications (debugger stopped, breakpoint updated, runspace changed,
// host output).
//
// Handlers run synchronously on the publishing goroutine, in subscription
// order. A handler must not block for long: the publisher is frequently the
// execution worker.
package event

import "sync"

// Source is a list of handlers for events of type T. The zero value is ready
// to use.
type Source[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers []subscription[T]
}

type subscription[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it.
func (s *Source[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.handlers = append(s.handlers, subscription[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, h := range s.handlers {
				if h.id == id {
					s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers ev to every current handler.
func (s *Source[T]) Publish(ev T) {
	s.mu.RLock()
	handlers := s.handlers
	s.mu.RUnlock()

	for _, h := range handlers {
		h.fn(ev)
	}
}

// Len returns the number of registered handlers.
func (s *Source[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handlers)
}
