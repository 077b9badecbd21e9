package listener

import (
	"context"
	"fmt"
	"sync"
)

// Job is a background worker bound to a context.
type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener feeds every value received from its input channel to a handler on
// a single goroutine. Values still buffered when Stop is called are handled
// before the stop handler runs. A handler error is a programming error and
// panics.
type Listener[T any] struct {
	in          <-chan T
	handler     func(T) error
	stopHandler func()

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func New[T any](in <-chan T, handler func(T) error, stopHandler ...func()) *Listener[T] {
	l := &Listener[T]{
		in:          in,
		handler:     handler,
		stopHandler: func() {},
		cancel:      func() {},
	}
	if len(stopHandler) > 0 && stopHandler[0] != nil {
		l.stopHandler = stopHandler[0]
	}
	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.loop(ctx)
}

func (l *Listener[T]) loop(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case v, ok := <-l.in:
			if !ok {
				return
			}
			l.handle(v)
		case <-ctx.Done():
			l.drain()
			return
		}
	}
}

func (l *Listener[T]) drain() {
	for {
		select {
		case v, ok := <-l.in:
			if !ok {
				return
			}
			l.handle(v)
		default:
			return
		}
	}
}

func (l *Listener[T]) handle(v T) {
	if err := l.handler(v); err != nil {
		panic(fmt.Sprintf("listener[%T]: failed to handle input: %v", v, err))
	}
}

// Stop cancels the loop, waits for buffered values and runs the stop handler
// once.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopOnce.Do(l.stopHandler)
}
