// Package session coordinates the publisher and subscriber transports of
// one signaling session: it creates them on join, interprets their events
// and decides when and how to reconnect.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/rtcsession/internal/app/channel"
	"github.com/dkeye/rtcsession/internal/app/latch"
	"github.com/dkeye/rtcsession/internal/app/multicast"
	"github.com/dkeye/rtcsession/internal/app/serial"
	"github.com/dkeye/rtcsession/internal/app/transport"
	"github.com/dkeye/rtcsession/internal/core"
	"github.com/dkeye/rtcsession/internal/domain"
	"github.com/dkeye/rtcsession/internal/packet"
)

// JoinResponse is the part of the signaling join answer the coordinator needs.
type JoinResponse struct {
	ParticipantSID    string             `json:"participant_sid"`
	SubscriberPrimary bool               `json:"subscriber_primary"`
	ICEServers        []webrtc.ICEServer `json:"ice_servers,omitempty"`
}

// Observer receives session events on the coordinator's event queue.
type Observer interface {
	OnStateChange(s domain.ConnectionState)
	OnTrackSubscribed(track domain.RemoteTrack)
	OnTrackUnsubscribed(track domain.RemoteTrack)
	OnDataPacket(pkt packet.DataPacket)
}

type Options struct {
	Factory  core.PeerConnectionFactory
	Signaler core.Signaler
	// Policy defaults to SimplePolicy{MaxResumeAttempts: 1, MaxFullAttempts: 1}.
	Policy ReconnectPolicy
	// ICEServers is used when a join response carries none.
	ICEServers []webrtc.ICEServer

	NegotiationDelay        time.Duration
	ChannelOpenTimeout      time.Duration
	PrimaryConnectTimeout   time.Duration
	PublisherConnectTimeout time.Duration

	Logger zerolog.Logger
}

// Snapshot is a diagnostics view of the session.
type Snapshot struct {
	SessionID          string                 `json:"session_id"`
	ParticipantSID     string                 `json:"participant_sid,omitempty"`
	State              domain.ConnectionState `json:"state"`
	SubscriberPrimary  bool                   `json:"subscriber_primary"`
	Published          bool                   `json:"published"`
	Transports         []transport.Info       `json:"transports"`
	PublisherChannels  []channel.Info         `json:"publisher_channels"`
	SubscriberChannels []channel.Info         `json:"subscriber_channels"`
}

type Coordinator struct {
	id   string
	opts Options
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	transports *Transports
	pubPair    *channel.Pair
	subPair    *channel.Pair

	primaryConnected   *latch.Latch
	publisherConnected *latch.Latch

	queue     *serial.Queue
	events    *serial.Queue
	observers multicast.Set[Observer]

	state             atomic.Int32
	subscriberPrimary atomic.Bool
	hasPublished      atomic.Bool
	participantSID    atomic.Value
	closeOnce         sync.Once

	// owned by queue
	closed      bool
	attempt     int
	episode     uint64
	awaitRole   domain.Role
	pendingAdds []domain.RemoteTrack
}

func New(opts Options) *Coordinator {
	if opts.Policy == nil {
		opts.Policy = SimplePolicy{MaxResumeAttempts: 1, MaxFullAttempts: 1}
	}
	id := uuid.NewString()
	logger := opts.Logger.With().Str("module", "session").Str("session_id", id).Logger()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		id:                 id,
		opts:               opts,
		log:                logger,
		ctx:                ctx,
		cancel:             cancel,
		transports:         NewTransports(logger),
		pubPair:            channel.NewPair("publisher", logger),
		subPair:            channel.NewPair("subscriber", logger),
		primaryConnected:   latch.New("primary transport connected"),
		publisherConnected: latch.New("publisher transport connected"),
		queue:              serial.New(),
		events:             serial.New(),
	}
	c.participantSID.Store("")
	c.pubPair.AddListener(c)
	c.subPair.AddListener(c)
	return c
}

func (c *Coordinator) ID() string { return c.id }

func (c *Coordinator) State() domain.ConnectionState {
	return domain.ConnectionState(c.state.Load())
}

func (c *Coordinator) AddObserver(o Observer)    { c.observers.Add(o) }
func (c *Coordinator) RemoveObserver(o Observer) { c.observers.Remove(o) }

func (c *Coordinator) notify(fn func(Observer)) {
	c.events.Go(func() { c.observers.Notify(fn) })
}

// HandleJoin replaces any existing transports with a fresh publisher and
// subscriber pair configured from jr.
func (c *Coordinator) HandleJoin(ctx context.Context, jr JoinResponse) error {
	return c.queue.Do(ctx, func() error {
		if c.closed {
			return &domain.StateError{Op: "join", Err: domain.ErrClosed}
		}
		c.teardown()

		c.subscriberPrimary.Store(jr.SubscriberPrimary)
		c.participantSID.Store(jr.ParticipantSID)
		servers := jr.ICEServers
		if len(servers) == 0 {
			servers = c.opts.ICEServers
		}
		cfg := webrtc.Configuration{ICEServers: servers}

		pub, err := c.newTransport(cfg, domain.RolePublisher, !jr.SubscriberPrimary)
		if err != nil {
			return err
		}
		sub, err := c.newTransport(cfg, domain.RoleSubscriber, jr.SubscriberPrimary)
		if err != nil {
			pub.Close()
			return err
		}
		pub.SetOnOffer(c.opts.Signaler.SendOffer)

		c.transports.Bind(pub)
		c.transports.Bind(sub)
		c.primaryConnected.Reset()
		c.publisherConnected.Reset()
		if c.State() != domain.StateReconnecting {
			c.setState(domain.StateConnecting)
		}

		if err := c.createPublisherChannels(ctx, pub); err != nil {
			return err
		}
		if !jr.SubscriberPrimary {
			pub.Negotiate()
		}
		c.log.Info().Bool("subscriber_primary", jr.SubscriberPrimary).Int("ice_servers", len(servers)).Msg("joined")
		return nil
	})
}

func (c *Coordinator) newTransport(cfg webrtc.Configuration, role domain.Role, primary bool) (*transport.PeerTransport, error) {
	pc, err := c.opts.Factory.NewPeerConnection(cfg)
	if err != nil {
		return nil, &domain.TransportError{Role: role, Op: "create peer connection", Err: err}
	}
	t := transport.New(transport.Options{
		Role:             role,
		Primary:          primary,
		PeerConnection:   pc,
		NegotiationDelay: c.opts.NegotiationDelay,
		Logger:           c.log,
	})
	t.AddListener(c)
	return t, nil
}

// HandleOffer answers a server offer on the subscriber transport.
func (c *Coordinator) HandleOffer(ctx context.Context, sd webrtc.SessionDescription) error {
	sub, err := c.transport(domain.RoleSubscriber, "handle offer")
	if err != nil {
		return err
	}
	if err := sub.SetRemoteDescription(ctx, sd); err != nil {
		return err
	}
	answer, err := sub.CreateAnswer(ctx)
	if err != nil {
		return err
	}
	return c.opts.Signaler.SendAnswer(ctx, answer)
}

// HandleAnswer applies the server answer to the publisher transport.
func (c *Coordinator) HandleAnswer(ctx context.Context, sd webrtc.SessionDescription) error {
	pub, err := c.transport(domain.RolePublisher, "handle answer")
	if err != nil {
		return err
	}
	return pub.SetRemoteDescription(ctx, sd)
}

// HandleTrickle hands a remote candidate to the transport of the given role.
func (c *Coordinator) HandleTrickle(ctx context.Context, cand webrtc.ICECandidateInit, role domain.Role) error {
	t, ok := c.transports.Get(role)
	if !ok {
		c.log.Warn().Str("role", role.String()).Msg("trickle for unknown transport")
		return nil
	}
	return t.AddCandidate(ctx, cand)
}

// HandleLeave ends the session on a server request.
func (c *Coordinator) HandleLeave(ctx context.Context) error {
	c.log.Info().Msg("server requested leave")
	return c.Close(ctx)
}

func (c *Coordinator) transport(role domain.Role, op string) (*transport.PeerTransport, error) {
	t, ok := c.transports.Get(role)
	if !ok {
		return nil, &domain.StateError{Op: op, Err: domain.ErrNoTransport}
	}
	return t, nil
}

// WaitConnected blocks until the primary transport is connected.
func (c *Coordinator) WaitConnected(ctx context.Context) error {
	return c.primaryConnected.Wait(ctx, c.opts.PrimaryConnectTimeout)
}

func (c *Coordinator) Snapshot() Snapshot {
	s := Snapshot{
		SessionID:          c.id,
		ParticipantSID:     c.participantSID.Load().(string),
		State:              c.State(),
		SubscriberPrimary:  c.subscriberPrimary.Load(),
		Published:          c.hasPublished.Load(),
		PublisherChannels:  c.pubPair.Infos(),
		SubscriberChannels: c.subPair.Infos(),
	}
	for _, t := range c.transports.All() {
		s.Transports = append(s.Transports, t.Info())
	}
	return s
}

// Close disconnects the session and releases every transport. Later calls
// are no-ops.
func (c *Coordinator) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.queue.Do(ctx, func() error {
			c.closed = true
			c.setState(domain.StateDisconnected)
			c.teardown()
			return nil
		})
		c.queue.Close()
		c.events.Close()
		c.log.Info().Msg("session closed")
	})
	return err
}

// setState runs on the queue.
func (c *Coordinator) setState(s domain.ConnectionState) {
	prev := domain.ConnectionState(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	c.log.Info().Str("from", prev.String()).Str("to", s.String()).Msg("session state")

	switch s {
	case domain.StateConnected:
		c.attempt = 0
		adds := c.pendingAdds
		c.pendingAdds = nil
		for _, track := range adds {
			track := track
			c.notify(func(o Observer) { o.OnTrackSubscribed(track) })
		}
	case domain.StateDisconnected:
		if n := len(c.pendingAdds); n > 0 {
			c.log.Debug().Int("dropped", n).Msg("dropping pending track notifications")
		}
		c.pendingAdds = nil
	}
	c.notify(func(o Observer) { o.OnStateChange(s) })
}

// teardown runs on the queue.
func (c *Coordinator) teardown() {
	var g errgroup.Group
	for _, t := range c.transports.UnbindAll() {
		t := t
		t.RemoveListener(c)
		g.Go(func() error {
			t.Close()
			return nil
		})
	}
	_ = g.Wait()
	// Fresh transports carry no local tracks until the caller publishes again.
	c.hasPublished.Store(false)
	c.pubPair.Reset()
	c.subPair.Reset()
	c.primaryConnected.Reset()
	c.publisherConnected.Reset()
}
