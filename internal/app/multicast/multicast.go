// Package multicast is an ordered listener registry with broadcast.
package multicast

import "sync"

// Set keeps listeners in registration order. Adding a listener twice is a no-op.
// The zero value is ready to use.
type Set[T comparable] struct {
	mu    sync.RWMutex
	items []T
}

func (s *Set[T]) Add(l T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cur := range s.items {
		if cur == l {
			return
		}
	}
	s.items = append(s.items, l)
}

func (s *Set[T]) Remove(l T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.items {
		if cur == l {
			s.items = append(s.items[:i:i], s.items[i+1:]...)
			return
		}
	}
}

func (s *Set[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Set[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
}

// Notify calls fn for every listener on a snapshot, so listeners may
// add or remove themselves from within fn.
func (s *Set[T]) Notify(fn func(T)) {
	s.mu.RLock()
	snapshot := make([]T, len(s.items))
	copy(snapshot, s.items)
	s.mu.RUnlock()

	for _, l := range snapshot {
		fn(l)
	}
}
