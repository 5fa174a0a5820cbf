// Package channel pairs a reliable and a lossy data channel into one
// logical message path.
package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/rtcsession/internal/app/latch"
	"github.com/dkeye/rtcsession/internal/app/multicast"
	"github.com/dkeye/rtcsession/internal/core"
	"github.com/dkeye/rtcsession/internal/domain"
	"github.com/dkeye/rtcsession/internal/packet"
)

// Data channel labels used by both sides.
const (
	LabelReliable = "reliable"
	LabelLossy    = "lossy"
)

// Listener receives pair events. Callbacks run on the goroutine of the
// channel that raised them.
type Listener interface {
	OnChannelPairOpen(p *Pair)
	OnDataPacket(p *Pair, pkt packet.DataPacket)
}

// Info describes one attached channel.
type Info struct {
	Label string                  `json:"label"`
	ID    *uint16                 `json:"id,omitempty"`
	State webrtc.DataChannelState `json:"state"`
}

type Pair struct {
	mu       sync.Mutex
	reliable core.DataChannel
	lossy    core.DataChannel

	ready     *latch.Latch
	listeners multicast.Set[Listener]
	log       zerolog.Logger
}

func NewPair(name string, logger zerolog.Logger) *Pair {
	return &Pair{
		ready: latch.New(name + " data channels"),
		log:   logger.With().Str("module", "channel").Str("pair", name).Logger(),
	}
}

func (p *Pair) AddListener(l Listener)    { p.listeners.Add(l) }
func (p *Pair) RemoveListener(l Listener) { p.listeners.Remove(l) }

func (p *Pair) SetReliable(dc core.DataChannel) { p.set(domain.Reliable, dc) }
func (p *Pair) SetLossy(dc core.DataChannel)    { p.set(domain.Lossy, dc) }

func (p *Pair) set(r domain.Reliability, dc core.DataChannel) {
	p.mu.Lock()
	slot := p.slot(r)
	old := *slot
	*slot = dc
	p.mu.Unlock()

	if old != nil && old != dc {
		release(old)
	}
	if dc != nil {
		dc.SetHandler(p)
		p.log.Debug().Str("reliability", r.String()).Str("label", dc.Label()).Msg("channel attached")
	}
	p.evaluate()
}

// Reset closes both channels and re-arms the readiness signal.
func (p *Pair) Reset() {
	p.mu.Lock()
	reliable, lossy := p.reliable, p.lossy
	p.reliable, p.lossy = nil, nil
	p.ready.Reset()
	p.mu.Unlock()

	if reliable != nil {
		release(reliable)
	}
	if lossy != nil {
		release(lossy)
	}
}

// release detaches before closing since closing reports a state change.
func release(dc core.DataChannel) {
	dc.SetHandler(nil)
	_ = dc.Close()
}

func (p *Pair) slot(r domain.Reliability) *core.DataChannel {
	if r == domain.Lossy {
		return &p.lossy
	}
	return &p.reliable
}

func (p *Pair) isOpenLocked() bool {
	return p.reliable != nil && p.reliable.ReadyState() == webrtc.DataChannelStateOpen &&
		p.lossy != nil && p.lossy.ReadyState() == webrtc.DataChannelStateOpen
}

func (p *Pair) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isOpenLocked()
}

func (p *Pair) evaluate() {
	p.mu.Lock()
	fired := p.isOpenLocked() && p.ready.Resolve()
	p.mu.Unlock()

	if fired {
		p.log.Info().Msg("data channels open")
		p.listeners.Notify(func(l Listener) { l.OnChannelPairOpen(p) })
	}
}

// WaitOpen blocks until both channels have been open at once.
func (p *Pair) WaitOpen(ctx context.Context, timeout time.Duration) error {
	return p.ready.Wait(ctx, timeout)
}

// Send encodes u into an envelope and writes it to the channel selected by r.
func (p *Pair) Send(u packet.UserPacket, r domain.Reliability) error {
	raw, err := packet.Encode(packet.NewUser(u, r))
	if err != nil {
		return &domain.StateError{Op: "send", Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isOpenLocked() {
		return &domain.StateError{Op: "send", Err: domain.ErrNotOpen}
	}
	dc := *p.slot(r)
	if err := dc.Send(raw); err != nil {
		p.log.Warn().Err(err).Str("reliability", r.String()).Msg("send failed")
		return &domain.StateError{Op: "send " + r.String(), Err: errors.Join(domain.ErrSendFailed, err)}
	}
	return nil
}

// Infos lists the attached channels whether or not they are open.
func (p *Pair) Infos() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Info, 0, 2)
	for _, dc := range []core.DataChannel{p.reliable, p.lossy} {
		if dc == nil {
			continue
		}
		out = append(out, Info{Label: dc.Label(), ID: dc.ID(), State: dc.ReadyState()})
	}
	return out
}

func (p *Pair) OnStateChange(dc core.DataChannel) {
	p.log.Debug().Str("label", dc.Label()).Str("state", dc.ReadyState().String()).Msg("channel state")
	p.evaluate()
}

func (p *Pair) OnMessage(dc core.DataChannel, raw []byte) {
	pkt, err := packet.Decode(raw)
	if err != nil {
		p.log.Warn().Err(err).Str("label", dc.Label()).Int("bytes", len(raw)).Msg("dropping undecodable packet")
		return
	}
	p.listeners.Notify(func(l Listener) { l.OnDataPacket(p, pkt) })
}
