package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/rtcsession/internal/domain"
)

// Signaler abstracts the ordered channel to the signaling endpoint.
// Owned by the adapter; the adapter must Close() it.
type Signaler interface {
	SendOffer(ctx context.Context, sd webrtc.SessionDescription) error
	SendAnswer(ctx context.Context, sd webrtc.SessionDescription) error
	SendCandidate(ctx context.Context, c webrtc.ICECandidateInit, target domain.Role) error
	// Rejoin asks the endpoint for a fresh join; the answer arrives as a new join response.
	Rejoin(ctx context.Context) error
}
