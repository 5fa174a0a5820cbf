// Package rtc backs the core peer connection and data channel interfaces
// with pion/webrtc.
package rtc

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/rtcsession/internal/core"
	"github.com/dkeye/rtcsession/internal/domain"
)

func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{
			URLs: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

type FactoryOptions struct {
	// IncludeLoopback gathers loopback candidates, for local testing.
	IncludeLoopback bool
	Logger          zerolog.Logger
}

// Factory creates pion peer connections sharing one API instance.
type Factory struct {
	api *webrtc.API
	log zerolog.Logger
}

var _ core.PeerConnectionFactory = (*Factory)(nil)

func NewFactory(opts FactoryOptions) (*Factory, error) {
	logger := opts.Logger.With().Str("module", "webrtc").Logger()

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: loggerFactory{log: logger}}
	if opts.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		log: logger,
	}, nil
}

func (f *Factory) NewPeerConnection(cfg webrtc.Configuration) (core.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newPeerConnection(pc, f.log), nil
}

// PeerConnection adapts *webrtc.PeerConnection to core.PeerConnection.
type PeerConnection struct {
	pc  *webrtc.PeerConnection
	log zerolog.Logger

	mu      sync.RWMutex
	handler core.PeerHandler
	tracks  map[string]domain.RemoteTrack
}

var _ core.PeerConnection = (*PeerConnection)(nil)

func newPeerConnection(pc *webrtc.PeerConnection, logger zerolog.Logger) *PeerConnection {
	c := &PeerConnection{
		pc:     pc,
		log:    logger,
		tracks: make(map[string]domain.RemoteTrack),
	}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if h := c.current(); h != nil {
			h.OnConnectionStateChange(s)
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if h := c.current(); h != nil {
			h.OnICECandidate(cand.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		rt := domain.RemoteTrack{
			ID:       track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind().String(),
			Track:    track,
			Receiver: receiver,
		}
		c.mu.Lock()
		c.tracks[rt.ID] = rt
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h.OnTrack(rt)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if h := c.current(); h != nil {
			h.OnDataChannel(wrapDataChannel(dc))
		}
	})

	pc.OnNegotiationNeeded(func() {
		if h := c.current(); h != nil {
			h.OnNegotiationNeeded()
		}
	})

	return c
}

func (c *PeerConnection) current() core.PeerHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

func (c *PeerConnection) SetHandler(h core.PeerHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *PeerConnection) ConnectionState() webrtc.PeerConnectionState { return c.pc.ConnectionState() }
func (c *PeerConnection) SignalingState() webrtc.SignalingState       { return c.pc.SignalingState() }

func (c *PeerConnection) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *PeerConnection) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

// SetRemoteDescription applies sd and reports remote tracks that the new
// description no longer sends.
func (c *PeerConnection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(sd); err != nil {
		return err
	}
	active, err := sendingTrackIDs(sd)
	if err != nil {
		c.log.Warn().Err(err).Msg("cannot inspect remote description for removed tracks")
		return nil
	}

	c.mu.Lock()
	var removed []domain.RemoteTrack
	for id, rt := range c.tracks {
		if !active[id] {
			removed = append(removed, rt)
			delete(c.tracks, id)
		}
	}
	h := c.handler
	c.mu.Unlock()

	if h != nil {
		for _, rt := range removed {
			h.OnTrackRemoved(rt)
		}
	}
	return nil
}

// sendingTrackIDs lists the track ids of media sections in which the
// description's author is sending.
func sendingTrackIDs(sd webrtc.SessionDescription) (map[string]bool, error) {
	parsed, err := sd.Unmarshal()
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool)
	for _, md := range parsed.MediaDescriptions {
		sending := true
		var tracks []string
		for _, a := range md.Attributes {
			switch a.Key {
			case "inactive", "recvonly":
				sending = false
			case "msid":
				if f := strings.Fields(a.Value); len(f) == 2 {
					tracks = append(tracks, f[1])
				}
			case "ssrc":
				if _, rest, ok := strings.Cut(a.Value, " msid:"); ok {
					if f := strings.Fields(rest); len(f) == 2 {
						tracks = append(tracks, f[1])
					}
				}
			}
		}
		if !sending {
			continue
		}
		for _, id := range tracks {
			ids[id] = true
		}
	}
	return ids, nil
}

func (c *PeerConnection) SetLocalDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sd)
}

func (c *PeerConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *PeerConnection) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(opts)
}

func (c *PeerConnection) CreateAnswer(opts *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(opts)
}

func (c *PeerConnection) CreateDataChannel(label string, init *webrtc.DataChannelInit) (core.DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, init)
	if err != nil {
		return nil, err
	}
	return wrapDataChannel(dc), nil
}

func (c *PeerConnection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return c.pc.AddTrack(track)
}

func (c *PeerConnection) RemoveTrack(sender *webrtc.RTPSender) error {
	return c.pc.RemoveTrack(sender)
}

func (c *PeerConnection) Senders() []*webrtc.RTPSender { return c.pc.GetSenders() }

func (c *PeerConnection) Close() error {
	if err := c.pc.Close(); err != nil {
		c.log.Error().Err(err).Msg("close error")
		return err
	}
	c.log.Debug().Msg("closed")
	return nil
}

// DataChannel adapts *webrtc.DataChannel to core.DataChannel.
type DataChannel struct {
	dc *webrtc.DataChannel

	mu      sync.RWMutex
	handler core.DataChannelHandler
}

var _ core.DataChannel = (*DataChannel)(nil)

func wrapDataChannel(dc *webrtc.DataChannel) *DataChannel {
	d := &DataChannel{dc: dc}
	dc.OnOpen(d.stateChanged)
	dc.OnClose(d.stateChanged)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if h := d.current(); h != nil {
			h.OnMessage(d, msg.Data)
		}
	})
	return d
}

func (d *DataChannel) current() core.DataChannelHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handler
}

func (d *DataChannel) stateChanged() {
	if h := d.current(); h != nil {
		h.OnStateChange(d)
	}
}

func (d *DataChannel) SetHandler(h core.DataChannelHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

func (d *DataChannel) Label() string                       { return d.dc.Label() }
func (d *DataChannel) ID() *uint16                         { return d.dc.ID() }
func (d *DataChannel) ReadyState() webrtc.DataChannelState { return d.dc.ReadyState() }
func (d *DataChannel) Send(b []byte) error                 { return d.dc.Send(b) }
func (d *DataChannel) Close() error                        { return d.dc.Close() }
