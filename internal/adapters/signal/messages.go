package signal

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/rtcsession/internal/app/session"
	"github.com/dkeye/rtcsession/internal/domain"
)

// Message types on the signaling socket.
const (
	TypeJoin    = "join"
	TypeRejoin  = "rejoin"
	TypeOffer   = "offer"
	TypeAnswer  = "answer"
	TypeTrickle = "trickle"
	TypeLeave   = "leave"
	TypePing    = "ping"
	TypePong    = "pong"
)

// Message is the JSON frame exchanged with the signaling server. Only the
// fields relevant to Type are set.
type Message struct {
	Type      string                   `json:"type"`
	Token     string                   `json:"token,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Target    domain.Role              `json:"target,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Join      *session.JoinResponse    `json:"join,omitempty"`
	Reason    string                   `json:"reason,omitempty"`
}
