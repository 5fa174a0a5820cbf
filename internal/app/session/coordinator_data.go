package session

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/rtcsession/internal/app/channel"
	"github.com/dkeye/rtcsession/internal/app/transport"
	"github.com/dkeye/rtcsession/internal/domain"
	"github.com/dkeye/rtcsession/internal/packet"
)

var _ channel.Listener = (*Coordinator)(nil)

func (c *Coordinator) createPublisherChannels(ctx context.Context, pub *transport.PeerTransport) error {
	ordered := true
	reliable, err := pub.CreateDataChannel(ctx, channel.LabelReliable, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return err
	}

	unordered := false
	var retransmits uint16
	lossy, err := pub.CreateDataChannel(ctx, channel.LabelLossy, &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &retransmits,
	})
	if err != nil {
		return err
	}

	c.pubPair.SetReliable(reliable)
	c.pubPair.SetLossy(lossy)
	return nil
}

// PublishTrack adds a local track to the publisher and renegotiates.
func (c *Coordinator) PublishTrack(ctx context.Context, track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	pub, err := c.transport(domain.RolePublisher, "publish track")
	if err != nil {
		return nil, err
	}
	sender, err := pub.AddTrack(ctx, track)
	if err != nil {
		return nil, err
	}
	c.hasPublished.Store(true)
	pub.Negotiate()
	c.log.Info().Str("track_id", track.ID()).Str("kind", track.Kind().String()).Msg("track published")
	return sender, nil
}

func (c *Coordinator) UnpublishTrack(ctx context.Context, sender *webrtc.RTPSender) error {
	pub, err := c.transport(domain.RolePublisher, "unpublish track")
	if err != nil {
		return err
	}
	if err := pub.RemoveTrack(ctx, sender); err != nil {
		return err
	}
	pub.Negotiate()
	return nil
}

// SendData delivers payload to the other participants over the publisher
// channel pair, bringing the publisher up first if needed.
func (c *Coordinator) SendData(ctx context.Context, payload []byte, r domain.Reliability, topic string) error {
	if err := c.ensurePublisherConnected(ctx); err != nil {
		return err
	}
	if err := c.pubPair.WaitOpen(ctx, c.opts.ChannelOpenTimeout); err != nil {
		return err
	}
	return c.pubPair.Send(packet.UserPacket{
		ParticipantSID: c.participantSID.Load().(string),
		Payload:        payload,
		Topic:          topic,
	}, r)
}

// ensurePublisherConnected negotiates the publisher on demand when the
// subscriber is primary, since nothing else would bring it up.
func (c *Coordinator) ensurePublisherConnected(ctx context.Context) error {
	pub, err := c.transport(domain.RolePublisher, "send data")
	if err != nil {
		return err
	}
	if c.subscriberPrimary.Load() {
		switch pub.ConnectionState() {
		case webrtc.PeerConnectionStateConnected, webrtc.PeerConnectionStateConnecting:
		default:
			pub.Negotiate()
		}
	}
	return c.publisherConnected.Wait(ctx, c.opts.PublisherConnectTimeout)
}

func (c *Coordinator) OnChannelPairOpen(p *channel.Pair) {
	c.log.Debug().Int("channels", len(p.Infos())).Msg("channel pair open")
}

func (c *Coordinator) OnDataPacket(_ *channel.Pair, pkt packet.DataPacket) {
	c.notify(func(o Observer) { o.OnDataPacket(pkt) })
}
