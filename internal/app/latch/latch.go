// Package latch provides a one-shot readiness signal that can be re-armed.
package latch

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/rtcsession/internal/domain"
)

// Latch resolves at most once per episode. Reset starts a new episode.
type Latch struct {
	name string

	mu       sync.Mutex
	ch       chan struct{}
	resolved bool
}

// New returns an unresolved latch. name is used in timeout errors.
func New(name string) *Latch {
	return &Latch{name: name, ch: make(chan struct{})}
}

// Resolve releases all waiters of the current episode. It reports whether
// this call did the resolving; resolving twice is a no-op.
func (l *Latch) Resolve() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resolved {
		return false
	}
	l.resolved = true
	close(l.ch)
	return true
}

// Reset re-arms the latch. Waiters of a resolved episode are unaffected;
// waiters of an unresolved one keep waiting for the next Resolve.
func (l *Latch) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.resolved {
		return
	}
	l.resolved = false
	l.ch = make(chan struct{})
}

func (l *Latch) Resolved() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resolved
}

// Done returns a channel closed when the current episode resolves.
func (l *Latch) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ch
}

// Wait blocks until the latch resolves, ctx ends or timeout elapses.
// A zero timeout waits on ctx alone.
func (l *Latch) Wait(ctx context.Context, timeout time.Duration) error {
	done := l.Done()
	select {
	case <-done:
		return nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-done:
		return nil
	case <-expired:
		return &domain.TimeoutError{What: l.name, After: timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}
