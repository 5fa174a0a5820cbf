package core

import "github.com/pion/webrtc/v4"

// DataChannel is one bidirectional message channel of a peer connection.
type DataChannel interface {
	Label() string
	// ID is nil until the channel has been negotiated.
	ID() *uint16
	ReadyState() webrtc.DataChannelState
	Send([]byte) error
	Close() error
	// SetHandler replaces the single delegate slot. nil detaches.
	SetHandler(DataChannelHandler)
}

// DataChannelHandler receives lifecycle and message events of a channel.
type DataChannelHandler interface {
	OnStateChange(DataChannel)
	OnMessage(DataChannel, []byte)
}
