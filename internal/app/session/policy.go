package session

type ReconnectAction int

const (
	// ReconnectResume restarts ICE on the existing transports.
	ReconnectResume ReconnectAction = iota
	// ReconnectFull tears the transports down and asks signaling for a fresh join.
	ReconnectFull
	// ReconnectAbort gives up and leaves the session disconnected.
	ReconnectAbort
)

func (a ReconnectAction) String() string {
	switch a {
	case ReconnectResume:
		return "resume"
	case ReconnectFull:
		return "full"
	case ReconnectAbort:
		return "abort"
	}
	return "unknown"
}

// ReconnectPolicy picks the next step of a down episode. attempt counts
// from zero and restarts once the session is connected again.
type ReconnectPolicy interface {
	Decide(attempt int, reason string) ReconnectAction
}

type SimplePolicy struct {
	MaxResumeAttempts int
	MaxFullAttempts   int
}

func (p SimplePolicy) Decide(attempt int, _ string) ReconnectAction {
	switch {
	case attempt < p.MaxResumeAttempts:
		return ReconnectResume
	case attempt < p.MaxResumeAttempts+p.MaxFullAttempts:
		return ReconnectFull
	}
	return ReconnectAbort
}
