package hydra

import (
	"context"
	"sync"

	"metastate/pkg/dberrors"
	"metastate/pkg/listener"
)

const invokerQueueSize = 1024

type task struct {
	fn   func() error
	done chan error
}

// serialInvoker is the automaton context: one goroutine running submitted
// callbacks in submission order. A panicking callback takes the process down.
type serialInvoker struct {
	*listener.Listener[task]

	mu      sync.RWMutex
	stopped bool
	in      chan task
}

func newSerialInvoker() *serialInvoker {
	s := &serialInvoker{in: make(chan task, invokerQueueSize)}
	s.Listener = listener.New(s.in, func(t task) error {
		t.done <- t.fn()
		return nil
	})
	return s
}

// submit enqueues fn. The returned channel yields fn's result.
func (s *serialInvoker) submit(fn func() error) (<-chan error, error) {
	t := task{fn: fn, done: make(chan error, 1)}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return nil, dberrors.ErrInvokerStopped
	}
	s.in <- t
	return t.done, nil
}

func (s *serialInvoker) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.Stop()
}

// schedulingPolicy decides whether a callback may be queued and what has to
// be released once it has run.
type schedulingPolicy interface {
	admit(d *DecoratedAutomaton) (leave func(), err error)
	// recheck runs on the automaton context right before the callback.
	recheck(d *DecoratedAutomaton) error
}

// userPolicy admits work only while the peer is active and no system
// operation is pending. The user lock is held until the callback returns.
type userPolicy struct{}

func (userPolicy) admit(d *DecoratedAutomaton) (func(), error) {
	if !d.locks.tryAcquireUser() {
		d.metrics.UserLockRejections.Inc()
		return nil, dberrors.ErrSystemLocked
	}
	if !d.State().IsActive() {
		d.locks.releaseUser()
		return nil, dberrors.ErrNotActive
	}
	return d.locks.releaseUser, nil
}

func (userPolicy) recheck(d *DecoratedAutomaton) error {
	if !d.State().IsActive() {
		return dberrors.ErrNotActive
	}
	return nil
}

// systemPolicy waits for user work to drain and keeps it out until the
// callback returns.
type systemPolicy struct{}

func (systemPolicy) admit(d *DecoratedAutomaton) (func(), error) {
	wait := d.locks.acquireSystem()
	d.metrics.SystemLockWait.Observe(wait.Seconds())
	d.logger.Debug("system lock acquired", "lock", d.locks.system.Load(), "wait", wait)
	return d.locks.releaseSystem, nil
}

func (systemPolicy) recheck(*DecoratedAutomaton) error {
	return nil
}

// GuardedInvoker runs callbacks on the automaton context under a scheduling
// policy.
type GuardedInvoker struct {
	owner  *DecoratedAutomaton
	policy schedulingPolicy
}

// Invoke runs fn on the automaton context and returns its error. When ctx is
// done before fn finishes Invoke returns ctx.Err(), but fn still runs.
func (g *GuardedInvoker) Invoke(ctx context.Context, fn func() error) error {
	leave, err := g.policy.admit(g.owner)
	if err != nil {
		return err
	}

	done, err := g.owner.invoker.submit(func() error {
		defer leave()
		if err := g.policy.recheck(g.owner); err != nil {
			return err
		}
		return fn()
	})
	if err != nil {
		leave()
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
