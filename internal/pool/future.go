package pool

import (
	"context"
	"sync"
)

// Future is the completion handle returned by Submit. It is settled exactly
// once, either with the executor's reply or with a rejection error.
type Future[R any] struct {
	id   string
	done chan struct{}
	once sync.Once
	val  R
	err  error
}

func newFuture[R any](id string) *Future[R] {
	return &Future[R]{id: id, done: make(chan struct{})}
}

func rejected[R any](id string, err error) *Future[R] {
	f := newFuture[R](id)
	f.settle(*new(R), err)
	return f
}

// ID returns the task id the future was submitted under.
func (f *Future[R]) ID() string { return f.id }

// Done is closed once the future is settled.
func (f *Future[R]) Done() <-chan struct{} { return f.done }

// Result returns the settled value. Before Done is closed it returns
// ErrPending without blocking.
func (f *Future[R]) Result() (R, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
		var zero R
		return zero, ErrPending
	}
}

// Wait blocks until the future settles or ctx is done.
func (f *Future[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

func (f *Future[R]) settle(val R, err error) bool {
	settled := false
	f.once.Do(func() {
		f.val, f.err = val, err
		close(f.done)
		settled = true
	})
	return settled
}
