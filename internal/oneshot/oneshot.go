// Package oneshot provides a notification that can be delivered at most once.
package oneshot

import "sync/atomic"

// Signal delivers a single value to a single receiver. Fire after the first call is ignored.
type Signal[T any] struct {
	ch    chan T
	fired atomic.Bool
}

func New[T any]() *Signal[T] {
	return &Signal[T]{ch: make(chan T, 1)}
}

// Fire publishes v. Returns false when the signal already fired.
func (s *Signal[T]) Fire(v T) bool {
	if !s.fired.CompareAndSwap(false, true) {
		return false
	}
	s.ch <- v
	return true
}

// C yields the value once. The channel is never closed.
func (s *Signal[T]) C() <-chan T {
	return s.ch
}

func (s *Signal[T]) Fired() bool {
	return s.fired.Load()
}
