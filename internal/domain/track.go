package domain

import "github.com/pion/webrtc/v4"

// RemoteTrack describes a track announced by the remote side.
// Track and Receiver are nil when the resource is not pion backed.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     string
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}
