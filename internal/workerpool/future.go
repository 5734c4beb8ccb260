package workerpool

import (
	"context"
	"fmt"
)

// Future is the pending result of a submitted task.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// Done is closed once the result and callback are complete.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the task finished.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.value, f.err
}

// Await is Wait bounded by ctx.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit schedules fn on the pool. cb, when set, receives the outcome on the
// goroutine that ran fn, before the future resolves.
func Submit[T any](p *Pool, fn func() (T, error), cb func(T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}

	complete := func(v T, err error) {
		defer close(f.done)
		f.value, f.err = v, err
		if cb != nil {
			cb(v, err)
		}
	}

	task := func() {
		v, err := call(fn)
		complete(v, err)
	}

	if err := p.execute(task); err != nil {
		var zero T
		complete(zero, err)
	}
	return f
}

func call[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return fn()
}
