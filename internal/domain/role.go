// Package domain contains entity without logic, just meta-data
package domain

import "fmt"

// Role tags a transport by the direction of media it carries.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

func (r Role) String() string { return string(r) }

// ParseRole accepts the lowercase wire names used by signaling.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RolePublisher, RoleSubscriber:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Reliability selects one leg of a data channel pair.
type Reliability int

const (
	Reliable Reliability = iota
	Lossy
)

func (r Reliability) String() string {
	switch r {
	case Reliable:
		return "reliable"
	case Lossy:
		return "lossy"
	}
	return fmt.Sprintf("reliability(%d)", int(r))
}
