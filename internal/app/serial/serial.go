// Package serial runs submitted work one task at a time, in submission order.
//
// A Queue is the single writer for whatever state its tasks touch. Tasks must
// not call Do on their own queue: that waits on itself forever.
package serial

import (
	"context"
	"sync"

	"github.com/dkeye/rtcsession/internal/domain"
)

type Queue struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	closed  bool
	done    chan struct{}
}

// New starts the queue's worker goroutine.
func New() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			if q.closed {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.wake
			continue
		}
		task := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		task()
	}
}

// Go enqueues fn without waiting. It reports false if the queue is closed.
func (q *Queue) Go(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the queue and waits for its result. If ctx ends before fn
// starts, fn is skipped and ctx's error returned.
func (q *Queue) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	ok := q.Go(func() {
		if err := ctx.Err(); err != nil {
			result <- err
			return
		}
		result <- fn()
	})
	if !ok {
		return domain.ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work. Tasks already queued still run.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the worker has drained the queue after Close.
func (q *Queue) Done() <-chan struct{} { return q.done }
