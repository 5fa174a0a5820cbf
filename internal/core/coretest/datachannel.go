package coretest

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/rtcsession/internal/core"
)

// DataChannel is a fake channel whose ready state is driven by the test.
type DataChannel struct {
	mu      sync.Mutex
	label   string
	id      *uint16
	state   webrtc.DataChannelState
	handler core.DataChannelHandler
	sent    [][]byte
	closes  int
	SendErr error
}

var _ core.DataChannel = (*DataChannel)(nil)

func NewDataChannel(label string) *DataChannel {
	return &DataChannel{label: label, state: webrtc.DataChannelStateConnecting}
}

// NewOpenDataChannel returns a channel already in the open state.
func NewOpenDataChannel(label string, id uint16) *DataChannel {
	dc := NewDataChannel(label)
	dc.state = webrtc.DataChannelStateOpen
	dc.id = &id
	return dc
}

func (d *DataChannel) Label() string { return d.label }

func (d *DataChannel) ID() *uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

func (d *DataChannel) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *DataChannel) Send(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SendErr != nil {
		return d.SendErr
	}
	d.sent = append(d.sent, append([]byte(nil), b...))
	return nil
}

func (d *DataChannel) Close() error {
	d.mu.Lock()
	d.closes++
	d.state = webrtc.DataChannelStateClosed
	h := d.handler
	d.mu.Unlock()
	if h != nil {
		h.OnStateChange(d)
	}
	return nil
}

func (d *DataChannel) SetHandler(h core.DataChannelHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

// SetState moves the channel to s and notifies the handler like a real channel would.
func (d *DataChannel) SetState(s webrtc.DataChannelState) {
	d.mu.Lock()
	d.state = s
	if s == webrtc.DataChannelStateOpen && d.id == nil {
		id := uint16(1)
		d.id = &id
	}
	h := d.handler
	d.mu.Unlock()
	if h != nil {
		h.OnStateChange(d)
	}
}

// Deliver hands an inbound message to the handler.
func (d *DataChannel) Deliver(b []byte) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h != nil {
		h.OnMessage(d, b)
	}
}

func (d *DataChannel) Sent() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

func (d *DataChannel) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

func (d *DataChannel) Handler() core.DataChannelHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler
}
