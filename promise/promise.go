package promise

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// ErrPanic is matched by errors produced from a panicking continuation.
var ErrPanic = errors.New("promise: continuation panicked")

// Promise is the eventual result of a deferred computation.
// It settles exactly once, either with a value or with an error.
type Promise[T any] struct {
	loop *Loop
	done chan struct{}

	mu      sync.Mutex
	settled bool
	value   T
	err     error
	waiters []func()
}

// Fulfiller settles the promise it was created with.
// Only the first call to Fulfill or Reject has an effect.
type Fulfiller[T any] struct {
	p *Promise[T]
}

func newPromise[T any](loop *Loop) *Promise[T] {
	return &Promise[T]{loop: loop, done: make(chan struct{})}
}

// New returns a pending promise bound to loop together with its fulfiller.
func New[T any](loop *Loop) (*Promise[T], *Fulfiller[T]) {
	p := newPromise[T](loop)
	return p, &Fulfiller[T]{p: p}
}

// Fulfilled returns a promise already settled with v.
// It is not bound to a loop; continuations attached to it run inline.
func Fulfilled[T any](v T) *Promise[T] {
	p := newPromise[T](nil)
	p.settle(v, nil)
	return p
}

// Rejected returns a promise already settled with err.
func Rejected[T any](err error) *Promise[T] {
	var zero T
	p := newPromise[T](nil)
	p.settle(zero, err)
	return p
}

// Go runs fn on a new goroutine and settles the returned promise, bound to
// loop, with its result. fn may block; continuations never do.
func Go[T any](loop *Loop, fn func() (T, error)) *Promise[T] {
	p := newPromise[T](loop)
	go func() {
		var (
			v   T
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				err = panicError(r)
			}
			p.settle(v, err)
		}()
		v, err = fn()
	}()
	return p
}

// Fulfill settles the promise with v.
func (f *Fulfiller[T]) Fulfill(v T) {
	f.p.settle(v, nil)
}

// Reject settles the promise with err.
func (f *Fulfiller[T]) Reject(err error) {
	var zero T
	f.p.settle(zero, err)
}

// Loop returns the loop the promise dispatches continuations to, or nil.
func (p *Promise[T]) Loop() *Loop {
	return p.loop
}

// Done returns a channel closed once the promise settles.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the promise settles or ctx is done.
// It must not be called from a continuation: the loop would stop making progress.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (p *Promise[T]) settle(v T, err error) bool {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return false
	}
	p.settled = true
	p.value, p.err = v, err
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	close(p.done)
	for _, w := range waiters {
		p.dispatch(w)
	}
	return true
}

// subscribe arranges for fn to run once the promise has settled.
func (p *Promise[T]) subscribe(fn func()) {
	p.mu.Lock()
	if !p.settled {
		p.waiters = append(p.waiters, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.dispatch(fn)
}

func (p *Promise[T]) dispatch(fn func()) {
	if p.loop == nil {
		fn()
		return
	}
	p.loop.post(fn)
}

// Then chains fn onto p. The result settles with the promise returned by fn,
// or with p's error without calling fn.
func Then[T, U any](p *Promise[T], fn func(T) *Promise[U]) *Promise[U] {
	return ThenElse(p, func(v T, err error) *Promise[U] {
		if err != nil {
			return Rejected[U](err)
		}
		return fn(v)
	})
}

// ThenElse chains fn onto p and calls it with p's value or error.
func ThenElse[T, U any](p *Promise[T], fn func(T, error) *Promise[U]) *Promise[U] {
	out := newPromise[U](p.loop)
	p.subscribe(func() {
		next, err := call(func() *Promise[U] { return fn(p.value, p.err) })
		if err != nil {
			var zero U
			out.settle(zero, err)
			return
		}
		next.subscribe(func() {
			out.settle(next.value, next.err)
		})
	})
	return out
}

// Map transforms p's value with fn. Errors from p skip fn.
func Map[T, U any](p *Promise[T], fn func(T) (U, error)) *Promise[U] {
	return Then(p, func(v T) *Promise[U] {
		u, err := fn(v)
		if err != nil {
			return Rejected[U](err)
		}
		return Fulfilled(u)
	})
}

func call[U any](fn func() *Promise[U]) (next *Promise[U], err error) {
	defer func() {
		if r := recover(); r != nil {
			next, err = nil, panicError(r)
		}
	}()
	next = fn()
	if next == nil {
		return nil, errors.New("promise: continuation returned nil")
	}
	return next, nil
}

func panicError(r any) error {
	return errors.Wrap(ErrPanic, fmt.Sprint(r))
}
