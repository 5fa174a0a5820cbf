package core

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/rtcsession/internal/domain"
)

// PeerConnectionFactory creates the underlying peer connection resource.
type PeerConnectionFactory interface {
	NewPeerConnection(cfg webrtc.Configuration) (PeerConnection, error)
}

// PeerConnection is the opaque media/connection engine owned by one transport.
// State reads are synchronous; description and candidate calls may fail.
type PeerConnection interface {
	ConnectionState() webrtc.PeerConnectionState
	SignalingState() webrtc.SignalingState
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription

	SetRemoteDescription(webrtc.SessionDescription) error
	SetLocalDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)

	CreateDataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error)
	AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)
	RemoveTrack(*webrtc.RTPSender) error
	// Senders lists the outbound senders currently attached.
	Senders() []*webrtc.RTPSender

	// SetHandler replaces the single delegate slot. nil detaches.
	SetHandler(PeerHandler)
	Close() error
}

// PeerHandler receives resource events. Calls may arrive on any goroutine.
type PeerHandler interface {
	OnConnectionStateChange(webrtc.PeerConnectionState)
	OnICECandidate(webrtc.ICECandidateInit)
	OnTrack(domain.RemoteTrack)
	OnTrackRemoved(domain.RemoteTrack)
	OnDataChannel(DataChannel)
	OnNegotiationNeeded()
}
