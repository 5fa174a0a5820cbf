package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotOpen    = errors.New("not open")
	ErrSendFailed = errors.New("send failed")
	ErrClosed     = errors.New("closed")
)

// TransportError reports a failure of the underlying peer connection
// resource. It aborts the current negotiation attempt only.
type TransportError struct {
	Role Role
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s: %s: %v", e.Role, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StateError reports an operation attempted while a precondition was false.
type StateError struct {
	Op  string
	Err error
}

func (e *StateError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *StateError) Unwrap() error { return e.Err }

// TimeoutError reports a readiness signal that did not resolve in time.
type TimeoutError struct {
	What  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %s", e.After, e.What)
}

// Timeout lets callers that only know net.Error style checks detect it.
func (e *TimeoutError) Timeout() bool { return true }

// ErrNoTransport is returned when an operation needs a transport the
// session has not created yet.
var ErrNoTransport = errors.New("no transport for role")
