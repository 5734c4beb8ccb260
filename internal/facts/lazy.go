package facts

import (
	"context"
	"sync"
)

// Lazy is a fact resolved on first use. The loader runs at most once and
// its value, absence or error are returned to every later caller.
type Lazy[T any] struct {
	once  sync.Once
	load  func(ctx context.Context) (T, bool, error)
	value T
	ok    bool
	err   error
}

// NewLazy wraps load in a memoized cell.
func NewLazy[T any](load func(ctx context.Context) (T, bool, error)) *Lazy[T] {
	return &Lazy[T]{load: load}
}

// Get resolves the fact. The context of the first caller drives the load.
func (l *Lazy[T]) Get(ctx context.Context) (T, bool, error) {
	l.once.Do(func() {
		l.value, l.ok, l.err = l.load(ctx)
		l.load = nil
	})
	return l.value, l.ok, l.err
}
