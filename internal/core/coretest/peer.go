// Package coretest provides in-memory fakes of the core interfaces for tests.
package coretest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/rtcsession/internal/core"
	"github.com/dkeye/rtcsession/internal/domain"
)

var errNoRemoteDescription = errors.New("no remote description")

// PeerConnection emulates the signaling state machine of a peer connection
// closely enough for negotiation tests. Errors can be injected per call.
type PeerConnection struct {
	mu sync.Mutex

	connState webrtc.PeerConnectionState
	sigState  webrtc.SignalingState
	local     *webrtc.SessionDescription
	remote    *webrtc.SessionDescription
	handler   core.PeerHandler
	senders   []*webrtc.RTPSender
	channels  []*DataChannel
	closed    bool

	offers          []webrtc.OfferOptions
	applied         []webrtc.ICECandidateInit
	remoteSets      int
	offerSeq        int
	CreateOfferErr  error
	SetLocalErr     error
	SetRemoteErr    error
	CreateAnswerErr error
	// AddCandidateHook, when set, decides the result of AddICECandidate.
	AddCandidateHook func(webrtc.ICECandidateInit) error
}

var _ core.PeerConnection = (*PeerConnection)(nil)

func NewPeerConnection() *PeerConnection {
	return &PeerConnection{
		connState: webrtc.PeerConnectionStateNew,
		sigState:  webrtc.SignalingStateStable,
	}
}

func (p *PeerConnection) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connState
}

func (p *PeerConnection) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sigState
}

func (p *PeerConnection) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *PeerConnection) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *PeerConnection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SetRemoteErr != nil {
		return p.SetRemoteErr
	}
	switch sd.Type {
	case webrtc.SDPTypeAnswer:
		p.sigState = webrtc.SignalingStateStable
	case webrtc.SDPTypeOffer:
		p.sigState = webrtc.SignalingStateHaveRemoteOffer
	}
	p.remote = &sd
	p.remoteSets++
	return nil
}

func (p *PeerConnection) SetLocalDescription(sd webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SetLocalErr != nil {
		return p.SetLocalErr
	}
	switch sd.Type {
	case webrtc.SDPTypeOffer:
		p.sigState = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		p.sigState = webrtc.SignalingStateStable
	}
	p.local = &sd
	return nil
}

func (p *PeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.AddCandidateHook != nil {
		if err := p.AddCandidateHook(c); err != nil {
			return err
		}
	} else if p.remote == nil {
		return errNoRemoteDescription
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *PeerConnection) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateOfferErr != nil {
		return webrtc.SessionDescription{}, p.CreateOfferErr
	}
	var o webrtc.OfferOptions
	if opts != nil {
		o = *opts
	}
	p.offers = append(p.offers, o)
	p.offerSeq++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", p.offerSeq)}, nil
}

func (p *PeerConnection) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateAnswerErr != nil {
		return webrtc.SessionDescription{}, p.CreateAnswerErr
	}
	if p.sigState != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer in state %s", p.sigState)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (p *PeerConnection) CreateDataChannel(label string, _ *webrtc.DataChannelInit) (core.DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, domain.ErrClosed
	}
	dc := NewDataChannel(label)
	p.channels = append(p.channels, dc)
	return dc, nil
}

func (p *PeerConnection) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &webrtc.RTPSender{}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *PeerConnection) RemoveTrack(s *webrtc.RTPSender) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.senders {
		if cur == s {
			p.senders = append(p.senders[:i], p.senders[i+1:]...)
			return nil
		}
	}
	return errors.New("unknown sender")
}

func (p *PeerConnection) Senders() []*webrtc.RTPSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*webrtc.RTPSender(nil), p.senders...)
}

func (p *PeerConnection) SetHandler(h core.PeerHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *PeerConnection) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.connState = webrtc.PeerConnectionStateClosed
	p.sigState = webrtc.SignalingStateClosed
	return nil
}

// Test inspection.

func (p *PeerConnection) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *PeerConnection) Offers() []webrtc.OfferOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.OfferOptions(nil), p.offers...)
}

func (p *PeerConnection) Applied() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.applied...)
}

func (p *PeerConnection) RemoteSets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSets
}

func (p *PeerConnection) DataChannels() []*DataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*DataChannel(nil), p.channels...)
}

func (p *PeerConnection) HasHandler() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler != nil
}

// Event injection. Handlers are called without holding the fake's lock.

func (p *PeerConnection) current() core.PeerHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

func (p *PeerConnection) EmitConnectionState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.connState = s
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h.OnConnectionStateChange(s)
	}
}

func (p *PeerConnection) EmitICECandidate(c webrtc.ICECandidateInit) {
	if h := p.current(); h != nil {
		h.OnICECandidate(c)
	}
}

func (p *PeerConnection) EmitTrack(t domain.RemoteTrack) {
	if h := p.current(); h != nil {
		h.OnTrack(t)
	}
}

func (p *PeerConnection) EmitTrackRemoved(t domain.RemoteTrack) {
	if h := p.current(); h != nil {
		h.OnTrackRemoved(t)
	}
}

func (p *PeerConnection) EmitDataChannel(dc core.DataChannel) {
	if h := p.current(); h != nil {
		h.OnDataChannel(dc)
	}
}

func (p *PeerConnection) EmitNegotiationNeeded() {
	if h := p.current(); h != nil {
		h.OnNegotiationNeeded()
	}
}

// Candidate builds a candidate init with a readable payload.
func Candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

// Factory hands out fresh fakes and remembers them in creation order.
type Factory struct {
	mu      sync.Mutex
	created []*PeerConnection
	Err     error
}

var _ core.PeerConnectionFactory = (*Factory)(nil)

func (f *Factory) NewPeerConnection(webrtc.Configuration) (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	pc := NewPeerConnection()
	f.created = append(f.created, pc)
	return pc, nil
}

func (f *Factory) Created() []*PeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*PeerConnection(nil), f.created...)
}
