// Package history provides a fixed-capacity, newest-first sample buffer used
// to smooth scheduling decisions such as poll pacing.
package history

import (
	"errors"
	"fmt"
	"iter"
	"sync"
)

var (
	ErrInvalidCapacity = errors.New("history capacity must be at least 1")
	ErrEmptyHistory    = errors.New("history is empty")
)

// Bounded keeps at most max values, newest first.
// Safe for one producer calling Add while consumers call Last or Values.
type Bounded[T any] struct {
	mu     sync.Mutex
	max    int
	values []T // values[0] is the newest
}

// New creates a history holding at most max values.
func New[T any](max int) (*Bounded[T], error) {
	if max <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, max)
	}
	return &Bounded[T]{
		max:    max,
		values: make([]T, 0, max),
	}, nil
}

// MustNew is New for capacities known at compile time.
func MustNew[T any](max int) *Bounded[T] {
	h, err := New[T](max)
	if err != nil {
		panic(err)
	}
	return h
}

// Add inserts v at the front, evicting the oldest values beyond capacity.
func (h *Bounded[T]) Add(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.values) < h.max {
		var zero T
		h.values = append(h.values, zero)
	}
	copy(h.values[1:], h.values[:len(h.values)-1])
	h.values[0] = v
}

// Len returns the number of values held.
func (h *Bounded[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.values)
}

// Cap returns the configured capacity.
func (h *Bounded[T]) Cap() int {
	return h.max
}

// Last returns the most recently added value.
func (h *Bounded[T]) Last() (T, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.values) == 0 {
		var zero T
		return zero, ErrEmptyHistory
	}
	return h.values[0], nil
}

// Values returns a snapshot, newest to oldest.
func (h *Bounded[T]) Values() []T {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]T, len(h.values))
	copy(out, h.values)
	return out
}

// All iterates a snapshot taken when iteration starts, newest to oldest.
// Each range over the returned sequence takes a fresh snapshot.
func (h *Bounded[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, v := range h.Values() {
			if !yield(v) {
				return
			}
		}
	}
}
