// Package event implements the observer lists the lockstep controllers publish through.
package event

import (
	"slices"
	"sync"
)

type listener[T any] struct {
	id uint64
	fn func(T)
}

// Signal is a list of listeners notified synchronously, in subscription order, with a value of T.
// Listeners may subscribe or unsubscribe from inside a notification; the change applies to the
// next Emit.
type Signal[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []listener[T]
}

// Subscribe adds fn and returns a function removing it. The returned function is idempotent.
func (s *Signal[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listener[T]{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners = slices.DeleteFunc(slices.Clone(s.listeners), func(l listener[T]) bool {
			return l.id == id
		})
	}
}

// Emit calls every listener with v.
func (s *Signal[T]) Emit(v T) {
	s.mu.Lock()
	listeners := s.listeners
	s.mu.Unlock()

	for _, l := range listeners {
		l.fn(v)
	}
}

// Len returns the number of listeners.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Clear removes every listener.
func (s *Signal[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = nil
}
