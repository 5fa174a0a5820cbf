package session

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/rtcsession/internal/app/channel"
	"github.com/dkeye/rtcsession/internal/app/latch"
	"github.com/dkeye/rtcsession/internal/app/transport"
	"github.com/dkeye/rtcsession/internal/core"
	"github.com/dkeye/rtcsession/internal/domain"
)

const candidateSendTimeout = 5 * time.Second

var _ transport.Listener = (*Coordinator)(nil)

func (c *Coordinator) OnConnectionStateChange(t *transport.PeerTransport, s webrtc.PeerConnectionState) {
	c.queue.Go(func() {
		if c.closed || !c.transports.Current(t) {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnected:
			c.onTransportConnected(t)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			c.onTransportDown(t, s)
		}
	})
}

func (c *Coordinator) onTransportConnected(t *transport.PeerTransport) {
	if t.Role() == domain.RolePublisher {
		c.publisherConnected.Resolve()
	}
	if t.IsPrimary() {
		c.primaryConnected.Resolve()
	}

	switch c.State() {
	case domain.StateConnecting:
		if t.IsPrimary() {
			c.setState(domain.StateConnected)
		}
	case domain.StateReconnecting:
		if t.Role() == c.awaitRole {
			c.log.Info().Int("attempts", c.attempt).Msg("reconnected")
			c.setState(domain.StateConnected)
		}
	}
}

func (c *Coordinator) onTransportDown(t *transport.PeerTransport, s webrtc.PeerConnectionState) {
	publisher := t.Role() == domain.RolePublisher
	if publisher {
		c.publisherConnected.Reset()
	}
	if t.IsPrimary() {
		c.primaryConnected.Reset()
	}

	if c.State() != domain.StateConnected {
		return
	}
	if !t.IsPrimary() && !(publisher && c.hasPublished.Load()) {
		return
	}
	c.episode++
	c.setState(domain.StateReconnecting)
	c.reconnect(t.Role(), t.Role().String()+" "+s.String())
}

func (c *Coordinator) primaryRole() domain.Role {
	if c.subscriberPrimary.Load() {
		return domain.RoleSubscriber
	}
	return domain.RolePublisher
}

func (c *Coordinator) connectedLatch(role domain.Role) *latch.Latch {
	if role == c.primaryRole() {
		return c.primaryConnected
	}
	return c.publisherConnected
}

// reconnect runs on the queue while the session is reconnecting. It asks
// the policy for the next step and escalates if the transport that went
// down is not back in time.
func (c *Coordinator) reconnect(down domain.Role, reason string) {
	attempt := c.attempt
	c.attempt++
	action := c.opts.Policy.Decide(attempt, reason)
	episode := c.episode
	log := c.log.With().Str("reason", reason).Int("attempt", attempt).Str("action", action.String()).Logger()
	log.Warn().Msg("reconnecting")

	switch action {
	case ReconnectResume:
		c.awaitRole = down
		ready := c.connectedLatch(down)
		pub, _ := c.transports.Get(domain.RolePublisher)
		sub, _ := c.transports.Get(domain.RoleSubscriber)
		restartPublisher := pub != nil && (!c.subscriberPrimary.Load() || c.hasPublished.Load())
		go func() {
			err := c.resume(pub, sub, restartPublisher)
			c.afterAttempt(episode, down, ready, err)
		}()
	case ReconnectFull:
		// Fresh transports only come back through the primary.
		c.awaitRole = c.primaryRole()
		c.teardown()
		ready := c.primaryConnected
		go func() {
			err := c.opts.Signaler.Rejoin(c.ctx)
			c.afterAttempt(episode, down, ready, err)
		}()
	default:
		log.Error().Msg("giving up on reconnection")
		c.setState(domain.StateDisconnected)
		c.teardown()
	}
}

func (c *Coordinator) resume(pub, sub *transport.PeerTransport, restartPublisher bool) error {
	if sub != nil {
		if err := sub.SetRestartingICE(c.ctx); err != nil {
			return err
		}
	}
	if restartPublisher {
		return pub.CreateAndSendOffer(c.ctx, true)
	}
	return nil
}

// afterAttempt waits for ready and, if it does not resolve, hands the
// episode to the next policy step.
func (c *Coordinator) afterAttempt(episode uint64, down domain.Role, ready *latch.Latch, err error) {
	if err == nil {
		timeout := c.opts.PrimaryConnectTimeout
		if ready == c.publisherConnected {
			timeout = c.opts.PublisherConnectTimeout
		}
		err = ready.Wait(c.ctx, timeout)
	}
	if err == nil || c.ctx.Err() != nil {
		return
	}
	c.queue.Go(func() {
		if c.closed || c.episode != episode || c.State() != domain.StateReconnecting {
			return
		}
		c.log.Warn().Err(err).Msg("reconnect attempt failed")
		c.reconnect(down, "attempt failed")
	})
}

func (c *Coordinator) OnICECandidate(t *transport.PeerTransport, cand webrtc.ICECandidateInit) {
	if !c.transports.Current(t) {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, candidateSendTimeout)
	defer cancel()
	if err := c.opts.Signaler.SendCandidate(ctx, cand, t.Role()); err != nil {
		c.log.Warn().Err(err).Str("role", t.Role().String()).Msg("send candidate failed")
	}
}

func (c *Coordinator) OnTrack(t *transport.PeerTransport, track domain.RemoteTrack) {
	if t.Role() != domain.RoleSubscriber {
		return
	}
	c.queue.Go(func() {
		if c.closed || !c.transports.Current(t) {
			return
		}
		if c.State() == domain.StateConnected {
			c.notify(func(o Observer) { o.OnTrackSubscribed(track) })
			return
		}
		c.pendingAdds = append(c.pendingAdds, track)
		c.log.Debug().Str("track_id", track.ID).Msg("track held until connected")
	})
}

func (c *Coordinator) OnTrackRemoved(t *transport.PeerTransport, track domain.RemoteTrack) {
	if t.Role() != domain.RoleSubscriber {
		return
	}
	c.queue.Go(func() {
		kept := c.pendingAdds[:0]
		for _, p := range c.pendingAdds {
			if p.ID != track.ID {
				kept = append(kept, p)
			}
		}
		c.pendingAdds = kept
		c.notify(func(o Observer) { o.OnTrackUnsubscribed(track) })
	})
}

func (c *Coordinator) OnDataChannel(t *transport.PeerTransport, dc core.DataChannel) {
	if t.Role() != domain.RoleSubscriber || !c.subscriberPrimary.Load() || !c.transports.Current(t) {
		c.log.Debug().Str("label", dc.Label()).Str("role", t.Role().String()).Msg("ignoring remote data channel")
		return
	}
	switch dc.Label() {
	case channel.LabelReliable:
		c.subPair.SetReliable(dc)
	case channel.LabelLossy:
		c.subPair.SetLossy(dc)
	default:
		c.log.Warn().Str("label", dc.Label()).Msg("unknown data channel label")
	}
}

func (c *Coordinator) OnNegotiationNeeded(t *transport.PeerTransport) {
	if t.Role() == domain.RolePublisher && c.transports.Current(t) {
		t.Negotiate()
	}
}
