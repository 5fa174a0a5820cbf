// Package transport wraps one peer connection resource and drives its
// offer/answer negotiation.
//
// Every mutation of the resource runs on the transport's operation queue.
// Resource callbacks are moved onto a separate event queue before listeners
// see them, so a listener may call back into the transport.
package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bep/debounce"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/rtcsession/internal/app/multicast"
	"github.com/dkeye/rtcsession/internal/app/serial"
	"github.com/dkeye/rtcsession/internal/core"
	"github.com/dkeye/rtcsession/internal/domain"
)

const DefaultNegotiationDelay = 100 * time.Millisecond

// NegotiationState tracks the offer cycle of a transport.
type NegotiationState int32

const (
	NegotiationIdle NegotiationState = iota
	NegotiationOfferInFlight
	NegotiationRenegotiationRequested
)

func (s NegotiationState) String() string {
	switch s {
	case NegotiationIdle:
		return "idle"
	case NegotiationOfferInFlight:
		return "offer-in-flight"
	case NegotiationRenegotiationRequested:
		return "renegotiation-requested"
	}
	return "unknown"
}

func (s NegotiationState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// OfferFunc delivers a freshly set local offer to the remote side.
type OfferFunc func(ctx context.Context, offer webrtc.SessionDescription) error

// Listener receives transport events in the order the resource raised them.
type Listener interface {
	OnConnectionStateChange(t *PeerTransport, s webrtc.PeerConnectionState)
	OnICECandidate(t *PeerTransport, c webrtc.ICECandidateInit)
	OnTrack(t *PeerTransport, track domain.RemoteTrack)
	OnTrackRemoved(t *PeerTransport, track domain.RemoteTrack)
	OnDataChannel(t *PeerTransport, dc core.DataChannel)
	OnNegotiationNeeded(t *PeerTransport)
}

type Options struct {
	Role           domain.Role
	Primary        bool
	PeerConnection core.PeerConnection
	// NegotiationDelay is the debounce window of Negotiate. Zero means DefaultNegotiationDelay.
	NegotiationDelay time.Duration
	Logger           zerolog.Logger
}

// Info is a point-in-time view of a transport for diagnostics.
type Info struct {
	ID                string                     `json:"id"`
	Role              domain.Role                `json:"role"`
	Primary           bool                       `json:"primary"`
	ConnectionState   webrtc.PeerConnectionState `json:"connection_state"`
	SignalingState    webrtc.SignalingState      `json:"signaling_state"`
	Negotiation       NegotiationState           `json:"negotiation"`
	PendingCandidates int                        `json:"pending_candidates"`
}

type PeerTransport struct {
	id      string
	role    domain.Role
	primary bool
	pc      core.PeerConnection
	log     zerolog.Logger

	ops       *serial.Queue
	events    *serial.Queue
	listeners multicast.Set[Listener]
	pending   *CandidateQueue
	debounced func(f func())

	// owned by ops
	restartingICE bool
	reNegotiate   bool

	negotiation atomic.Int32
	closed      atomic.Bool
	closeOnce   sync.Once

	offerMu sync.RWMutex
	onOffer OfferFunc
}

// New wraps pc and attaches the transport as its event handler.
func New(opts Options) *PeerTransport {
	delay := opts.NegotiationDelay
	if delay <= 0 {
		delay = DefaultNegotiationDelay
	}
	id := uuid.NewString()
	logger := opts.Logger.With().
		Str("module", "transport").
		Str("transport_id", id).
		Str("role", opts.Role.String()).
		Bool("primary", opts.Primary).
		Logger()

	t := &PeerTransport{
		id:        id,
		role:      opts.Role,
		primary:   opts.Primary,
		pc:        opts.PeerConnection,
		log:       logger,
		ops:       serial.New(),
		events:    serial.New(),
		pending:   NewCandidateQueue(logger),
		debounced: debounce.New(delay),
	}
	t.pc.SetHandler(peerHandler{t: t})
	return t
}

func (t *PeerTransport) ID() string        { return t.id }
func (t *PeerTransport) Role() domain.Role { return t.role }
func (t *PeerTransport) IsPrimary() bool   { return t.primary }

// ConnectionState reads the resource's current state.
func (t *PeerTransport) ConnectionState() webrtc.PeerConnectionState { return t.pc.ConnectionState() }

func (t *PeerTransport) SignalingState() webrtc.SignalingState { return t.pc.SignalingState() }

func (t *PeerTransport) Negotiation() NegotiationState {
	return NegotiationState(t.negotiation.Load())
}

func (t *PeerTransport) PendingCandidates() int { return t.pending.Len() }

func (t *PeerTransport) Info() Info {
	return Info{
		ID:                t.id,
		Role:              t.role,
		Primary:           t.primary,
		ConnectionState:   t.ConnectionState(),
		SignalingState:    t.SignalingState(),
		Negotiation:       t.Negotiation(),
		PendingCandidates: t.PendingCandidates(),
	}
}

// SetOnOffer registers the callback invoked with every local offer.
func (t *PeerTransport) SetOnOffer(fn OfferFunc) {
	t.offerMu.Lock()
	defer t.offerMu.Unlock()
	t.onOffer = fn
}

func (t *PeerTransport) offerFunc() OfferFunc {
	t.offerMu.RLock()
	defer t.offerMu.RUnlock()
	return t.onOffer
}

func (t *PeerTransport) AddListener(l Listener)    { t.listeners.Add(l) }
func (t *PeerTransport) RemoveListener(l Listener) { t.listeners.Remove(l) }

// AddCandidate applies a remote candidate, or buffers it while no remote
// description is set or an ICE restart is in progress.
func (t *PeerTransport) AddCandidate(ctx context.Context, c webrtc.ICECandidateInit) error {
	return t.ops.Do(ctx, func() error {
		if t.pc.RemoteDescription() == nil || t.restartingICE {
			t.pending.Enqueue(c)
			t.log.Debug().Int("pending", t.pending.Len()).Msg("candidate queued")
			return nil
		}
		if err := t.pc.AddICECandidate(c); err != nil {
			return t.fail("add candidate", err)
		}
		return nil
	})
}

// SetRemoteDescription applies sd, flushes queued candidates and, if an
// offer was requested meanwhile, starts the next offer cycle.
func (t *PeerTransport) SetRemoteDescription(ctx context.Context, sd webrtc.SessionDescription) error {
	return t.ops.Do(ctx, func() error {
		return t.setRemoteDescription(ctx, sd)
	})
}

func (t *PeerTransport) setRemoteDescription(ctx context.Context, sd webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(sd); err != nil {
		return t.fail("set remote description", err)
	}
	t.pending.DrainAndApply(t.pc.AddICECandidate)
	t.restartingICE = false

	if t.reNegotiate {
		t.reNegotiate = false
		t.log.Debug().Msg("running requested renegotiation")
		return t.createAndSendOffer(ctx, false)
	}
	return nil
}

// CreateAndSendOffer runs one offer cycle. If a local offer is still
// unanswered the request is coalesced into a single follow-up offer.
func (t *PeerTransport) CreateAndSendOffer(ctx context.Context, iceRestart bool) error {
	return t.ops.Do(ctx, func() error {
		return t.createAndSendOffer(ctx, iceRestart)
	})
}

func (t *PeerTransport) createAndSendOffer(ctx context.Context, iceRestart bool) error {
	onOffer := t.offerFunc()
	if onOffer == nil {
		t.log.Warn().Msg("no offer callback, skipping offer")
		return nil
	}
	if iceRestart {
		t.log.Info().Msg("restarting ICE")
		t.restartingICE = true
	}

	if t.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		remote := t.pc.RemoteDescription()
		if !iceRestart || remote == nil {
			t.reNegotiate = true
			t.negotiation.Store(int32(NegotiationRenegotiationRequested))
			t.log.Debug().Msg("offer pending, renegotiation requested")
			return nil
		}
		// Back to stable through the full path: queued candidates drain,
		// the restart flag clears and a requested renegotiation goes out
		// before the restart offer.
		if err := t.setRemoteDescription(ctx, *remote); err != nil {
			t.negotiation.Store(int32(NegotiationIdle))
			return err
		}
	}

	t.negotiation.Store(int32(NegotiationOfferInFlight))
	offer, err := t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		t.negotiation.Store(int32(NegotiationIdle))
		return t.fail("create offer", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		t.negotiation.Store(int32(NegotiationIdle))
		return t.fail("set local description", err)
	}
	if err := onOffer(ctx, offer); err != nil {
		t.negotiation.Store(int32(NegotiationIdle))
		return t.fail("send offer", err)
	}
	t.negotiation.Store(int32(NegotiationIdle))
	t.log.Debug().Bool("ice_restart", iceRestart).Msg("offer sent")
	return nil
}

// Negotiate schedules an offer after the negotiation delay. Calls within
// the window collapse into one.
func (t *PeerTransport) Negotiate() {
	t.debounced(func() {
		if t.closed.Load() {
			return
		}
		if err := t.CreateAndSendOffer(context.Background(), false); err != nil {
			t.log.Error().Err(err).Msg("negotiation failed")
		}
	})
}

// CreateAnswer answers the current remote offer and sets it locally.
func (t *PeerTransport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	var answer webrtc.SessionDescription
	err := t.ops.Do(ctx, func() error {
		sd, err := t.pc.CreateAnswer(nil)
		if err != nil {
			return t.fail("create answer", err)
		}
		if err := t.pc.SetLocalDescription(sd); err != nil {
			return t.fail("set local description", err)
		}
		answer = sd
		return nil
	})
	return answer, err
}

// SetRestartingICE holds incoming candidates back until the next remote
// description. Used on transports that restart by answering.
func (t *PeerTransport) SetRestartingICE(ctx context.Context) error {
	return t.ops.Do(ctx, func() error {
		t.restartingICE = true
		return nil
	})
}

func (t *PeerTransport) CreateDataChannel(ctx context.Context, label string, init *webrtc.DataChannelInit) (core.DataChannel, error) {
	var dc core.DataChannel
	err := t.ops.Do(ctx, func() error {
		ch, err := t.pc.CreateDataChannel(label, init)
		if err != nil {
			return t.fail("create data channel", err)
		}
		dc = ch
		return nil
	})
	return dc, err
}

func (t *PeerTransport) AddTrack(ctx context.Context, track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	var sender *webrtc.RTPSender
	err := t.ops.Do(ctx, func() error {
		s, err := t.pc.AddTrack(track)
		if err != nil {
			return t.fail("add track", err)
		}
		sender = s
		return nil
	})
	return sender, err
}

func (t *PeerTransport) RemoveTrack(ctx context.Context, sender *webrtc.RTPSender) error {
	return t.ops.Do(ctx, func() error {
		if err := t.pc.RemoveTrack(sender); err != nil {
			return t.fail("remove track", err)
		}
		return nil
	})
}

// Close stops negotiation, detaches from the resource and releases it.
// Safe to call more than once, but not from inside an offer callback.
func (t *PeerTransport) Close() {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		// replaces any pending negotiation
		t.debounced(func() {})

		err := t.ops.Do(context.Background(), func() error {
			t.pc.SetHandler(nil)
			for _, s := range t.pc.Senders() {
				if err := t.pc.RemoveTrack(s); err != nil {
					t.log.Debug().Err(err).Msg("remove sender on close")
				}
			}
			return t.pc.Close()
		})
		if err != nil {
			t.log.Error().Err(err).Msg("close error")
		} else {
			t.log.Info().Msg("closed")
		}
		t.ops.Close()
		t.events.Close()
		t.listeners.Clear()
	})
}

func (t *PeerTransport) fail(op string, err error) error {
	t.log.Error().Err(err).Str("op", op).Msg("transport operation failed")
	return &domain.TransportError{Role: t.role, Op: op, Err: err}
}

func (t *PeerTransport) emit(fn func(Listener)) {
	if t.closed.Load() {
		return
	}
	t.events.Go(func() {
		if t.closed.Load() {
			return
		}
		t.listeners.Notify(fn)
	})
}

// peerHandler moves resource callbacks onto the event queue.
type peerHandler struct{ t *PeerTransport }

func (h peerHandler) OnConnectionStateChange(s webrtc.PeerConnectionState) {
	h.t.log.Info().Str("peer_connection_state", s.String()).Msg("peer state")
	h.t.emit(func(l Listener) { l.OnConnectionStateChange(h.t, s) })
}

func (h peerHandler) OnICECandidate(c webrtc.ICECandidateInit) {
	h.t.emit(func(l Listener) { l.OnICECandidate(h.t, c) })
}

func (h peerHandler) OnTrack(track domain.RemoteTrack) {
	h.t.log.Info().Str("track_id", track.ID).Str("stream_id", track.StreamID).Str("kind", track.Kind).Msg("remote track added")
	h.t.emit(func(l Listener) { l.OnTrack(h.t, track) })
}

func (h peerHandler) OnTrackRemoved(track domain.RemoteTrack) {
	h.t.log.Info().Str("track_id", track.ID).Msg("remote track removed")
	h.t.emit(func(l Listener) { l.OnTrackRemoved(h.t, track) })
}

func (h peerHandler) OnDataChannel(dc core.DataChannel) {
	h.t.log.Debug().Str("label", dc.Label()).Msg("remote data channel")
	h.t.emit(func(l Listener) { l.OnDataChannel(h.t, dc) })
}

func (h peerHandler) OnNegotiationNeeded() {
	h.t.emit(func(l Listener) { l.OnNegotiationNeeded(h.t) })
}
