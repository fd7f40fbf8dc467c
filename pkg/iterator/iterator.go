// Package iterator defines the pull-style iterator contract shared by grounding and
// term storage.
package iterator

import (
	"context"
	"errors"
)

var ErrIteratorDone = errors.New("iterator done")

type Iterator[T any] interface {
	// Next will return the next available item. Once the underlying source is exhausted it
	// returns ErrIteratorDone.
	Next(ctx context.Context) (T, error)
	// Stop terminates iteration over the underlying source.
	Stop()
}

type staticIterator[T any] struct {
	items []T
}

var _ Iterator[any] = (*staticIterator[any])(nil)

// NewStaticIterator returns an iterator over a fixed slice of items.
func NewStaticIterator[T any](items ...T) Iterator[T] {
	return &staticIterator[T]{items: items}
}

func (s *staticIterator[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if ctx.Err() != nil {
		return zero, ctx.Err()
	}

	if len(s.items) == 0 {
		return zero, ErrIteratorDone
	}

	next := s.items[0]
	s.items = s.items[1:]

	return next, nil
}

func (s *staticIterator[T]) Stop() {
	s.items = nil
}

// Drain collects every remaining item of iter and stops it.
func Drain[T any](ctx context.Context, iter Iterator[T]) ([]T, error) {
	defer iter.Stop()

	var items []T
	for {
		item, err := iter.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrIteratorDone) {
				return items, nil
			}
			return nil, err
		}
		items = append(items, item)
	}
}
