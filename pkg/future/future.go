package future

import (
	"context"
	"sync"
)

// Promise is the producing side of a Future. It is settled exactly once;
// later Set or Fail calls are ignored and report false.
type Promise[T any] struct {
	f *Future[T]
}

// Future is the consuming side of a Promise.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{f: &Future[T]{done: make(chan struct{})}}
}

// Ready returns an already settled future.
func Ready[T any](value T) *Future[T] {
	p := NewPromise[T]()
	p.Set(value)
	return p.Future()
}

// Failed returns a future already settled with err.
func Failed[T any](err error) *Future[T] {
	p := NewPromise[T]()
	p.Fail(err)
	return p.Future()
}

func (p *Promise[T]) Future() *Future[T] {
	return p.f
}

func (p *Promise[T]) Set(value T) bool {
	return p.settle(value, nil)
}

func (p *Promise[T]) Fail(err error) bool {
	var zero T
	return p.settle(zero, err)
}

func (p *Promise[T]) IsSet() bool {
	select {
	case <-p.f.done:
		return true
	default:
		return false
	}
}

func (p *Promise[T]) settle(value T, err error) bool {
	settled := false
	p.f.once.Do(func() {
		p.f.value = value
		p.f.err = err
		close(p.f.done)
		settled = true
	})
	return settled
}

// Done is closed once the future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future is settled or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryGet returns the result without blocking; ok is false while pending.
func (f *Future[T]) TryGet() (value T, err error, ok bool) {
	select {
	case <-f.done:
		return f.value, f.err, true
	default:
		var zero T
		return zero, nil, false
	}
}

// Then runs fn on its own goroutine once f is settled.
func Then[T any](f *Future[T], fn func(T, error)) {
	go func() {
		<-f.done
		fn(f.value, f.err)
	}()
}
