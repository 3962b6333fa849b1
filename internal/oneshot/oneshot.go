// Package oneshot provides a value that can be consumed exactly once.
//
// An Event is either pending(T) or consumed. Many readers may share one
// Event; Consume hands the value to the first caller only.
package oneshot

import "sync/atomic"

// Event holds a value until it is consumed.
type Event[T any] struct {
	value    T
	consumed atomic.Bool
}

// New returns a pending event carrying v.
func New[T any](v T) *Event[T] {
	return &Event[T]{value: v}
}

// Spent returns an event that is already consumed.
func Spent[T any]() *Event[T] {
	e := &Event[T]{}
	e.consumed.Store(true)
	return e
}

// Consume returns the value and true on the first call, the zero value and
// false afterwards. A nil event is always consumed.
func (e *Event[T]) Consume() (T, bool) {
	var zero T
	if e == nil || !e.consumed.CompareAndSwap(false, true) {
		return zero, false
	}
	return e.value, true
}

// Pending reports whether the value is still available.
func (e *Event[T]) Pending() bool {
	return e != nil && !e.consumed.Load()
}

// Peek returns the value without consuming it.
func (e *Event[T]) Peek() T {
	if e == nil {
		var zero T
		return zero
	}
	return e.value
}
