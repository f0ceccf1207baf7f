package book

import (
	"errors"
	"fmt"
)

// ErrIndexOutOfRange is returned for an instrument index past the arena
// bound.
var ErrIndexOutOfRange = errors.New("book: instrument index out of range")

// Arena holds one value per exchange-assigned instrument index. Entries
// are created on first reference; indexes at or above the limit are
// rejected instead of growing without bound.
type Arena[T any] struct {
	items []*T
	limit uint32
	newFn func(id uint32) *T
}

// NewArena returns an arena accepting indexes in [0, limit).
func NewArena[T any](limit uint32, newFn func(id uint32) *T) *Arena[T] {
	return &Arena[T]{limit: limit, newFn: newFn}
}

// Get returns the entry for id, creating it if needed.
func (a *Arena[T]) Get(id uint32) (*T, error) {
	if id >= a.limit {
		return nil, fmt.Errorf("%w: %d >= %d", ErrIndexOutOfRange, id, a.limit)
	}
	if int(id) >= len(a.items) {
		a.items = append(a.items, make([]*T, int(id)+1-len(a.items))...)
	}
	if a.items[id] == nil {
		a.items[id] = a.newFn(id)
	}
	return a.items[id], nil
}

// Lookup returns the entry for id without creating it.
func (a *Arena[T]) Lookup(id uint32) (*T, bool) {
	if int(id) >= len(a.items) || a.items[id] == nil {
		return nil, false
	}
	return a.items[id], true
}

// Each calls fn for every populated entry in index order until fn returns
// false.
func (a *Arena[T]) Each(fn func(id uint32, item *T) bool) {
	for i, it := range a.items {
		if it == nil {
			continue
		}
		if !fn(uint32(i), it) {
			return
		}
	}
}

// Len returns the number of populated entries.
func (a *Arena[T]) Len() int {
	n := 0
	for _, it := range a.items {
		if it != nil {
			n++
		}
	}
	return n
}
