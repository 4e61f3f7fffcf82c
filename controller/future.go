package controller

import (
	"context"
	"sync"
)

// Future is the result of an asynchronous controller operation. It completes
// exactly once; later completions are ignored.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error

	mu        sync.Mutex
	callbacks []func()
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func failedFuture[T any](err error) *Future[T] {
	f := newFuture[T]()
	f.complete(*new(T), err)
	return f
}

// complete resolves the future and reports whether this call did it.
func (f *Future[T]) complete(value T, err error) bool {
	won := false
	var callbacks []func()
	f.once.Do(func() {
		f.mu.Lock()
		f.value, f.err = value, err
		close(f.done)
		callbacks, f.callbacks = f.callbacks, nil
		f.mu.Unlock()
		won = true
	})
	for _, fn := range callbacks {
		fn()
	}
	return won
}

// onComplete runs fn once the future is resolved: immediately when it already
// is, otherwise on the goroutine that resolves it.
func (f *Future[T]) onComplete(fn func()) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		fn()
	default:
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
	}
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Get waits for the result or for ctx to end.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome without waiting; ok is false while unresolved.
func (f *Future[T]) Result() (value T, ok bool, err error) {
	select {
	case <-f.done:
		return f.value, true, f.err
	default:
		var zero T
		return zero, false, nil
	}
}

// then derives a future whose value is fn applied to f's value. Errors pass
// through unchanged. fn runs on the goroutine that resolves f, so it must not
// block.
func then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := newFuture[U]()
	f.onComplete(func() {
		if f.err != nil {
			out.complete(*new(U), f.err)
			return
		}
		out.complete(fn(f.value))
	})
	return out
}
