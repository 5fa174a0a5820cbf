package channel

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/rtcsession/internal/core/coretest"
	"github.com/dkeye/rtcsession/internal/domain"
	"github.com/dkeye/rtcsession/internal/packet"
)

func TestMain(m *testing.M) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	os.Exit(m.Run())
}

type pairEvents struct {
	mu      sync.Mutex
	opened  int
	packets []packet.DataPacket
}

func (e *pairEvents) OnChannelPairOpen(*Pair) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opened++
}

func (e *pairEvents) OnDataPacket(_ *Pair, pkt packet.DataPacket) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.packets = append(e.packets, pkt)
}

func (e *pairEvents) openCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opened
}

func newPair(t *testing.T) (*Pair, *pairEvents) {
	t.Helper()
	p := NewPair("publisher", log.Logger)
	ev := &pairEvents{}
	p.AddListener(ev)
	return p, ev
}

func TestIsOpenTruthTable(t *testing.T) {
	open := func(label string) *coretest.DataChannel { return coretest.NewOpenDataChannel(label, 1) }
	connecting := func(label string) *coretest.DataChannel { return coretest.NewDataChannel(label) }

	cases := []struct {
		name     string
		reliable *coretest.DataChannel
		lossy    *coretest.DataChannel
		want     bool
	}{
		{"none", nil, nil, false},
		{"reliable only", open(LabelReliable), nil, false},
		{"lossy only", nil, open(LabelLossy), false},
		{"reliable connecting", connecting(LabelReliable), open(LabelLossy), false},
		{"lossy connecting", open(LabelReliable), connecting(LabelLossy), false},
		{"both open", open(LabelReliable), open(LabelLossy), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, _ := newPair(t)
			if tc.reliable != nil {
				p.SetReliable(tc.reliable)
			}
			if tc.lossy != nil {
				p.SetLossy(tc.lossy)
			}
			assert.Equal(t, tc.want, p.IsOpen())
		})
	}
}

func TestReadinessFiresOnceWhenSecondLegOpens(t *testing.T) {
	p, ev := newPair(t)
	reliable := coretest.NewOpenDataChannel(LabelReliable, 1)
	lossy := coretest.NewDataChannel(LabelLossy)

	p.SetReliable(reliable)
	p.SetLossy(lossy)
	assert.False(t, p.IsOpen())
	assert.Zero(t, ev.openCount())

	lossy.SetState(webrtc.DataChannelStateOpen)
	assert.True(t, p.IsOpen())
	assert.Equal(t, 1, ev.openCount())
	require.NoError(t, p.WaitOpen(context.Background(), time.Millisecond))

	reliable.SetState(webrtc.DataChannelStateOpen)
	lossy.SetState(webrtc.DataChannelStateOpen)
	assert.Equal(t, 1, ev.openCount())
}

func TestWaitOpenTimesOut(t *testing.T) {
	p, _ := newPair(t)
	p.SetReliable(coretest.NewOpenDataChannel(LabelReliable, 1))

	err := p.WaitOpen(context.Background(), 10*time.Millisecond)
	var te *domain.TimeoutError
	require.ErrorAs(t, err, &te)
}

func TestSendWhileClosedNeverReachesChannel(t *testing.T) {
	p, _ := newPair(t)
	reliable := coretest.NewOpenDataChannel(LabelReliable, 1)
	lossy := coretest.NewDataChannel(LabelLossy)
	p.SetReliable(reliable)
	p.SetLossy(lossy)

	err := p.Send(packet.UserPacket{Payload: []byte("hi")}, domain.Reliable)
	var se *domain.StateError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, domain.ErrNotOpen)
	assert.Empty(t, reliable.Sent())
	assert.Empty(t, lossy.Sent())
}

func TestSendRoutesByReliability(t *testing.T) {
	p, _ := newPair(t)
	reliable := coretest.NewOpenDataChannel(LabelReliable, 1)
	lossy := coretest.NewOpenDataChannel(LabelLossy, 2)
	p.SetReliable(reliable)
	p.SetLossy(lossy)

	require.NoError(t, p.Send(packet.UserPacket{Payload: []byte("r"), Topic: "chat"}, domain.Reliable))
	require.NoError(t, p.Send(packet.UserPacket{Payload: []byte("l")}, domain.Lossy))

	require.Len(t, reliable.Sent(), 1)
	require.Len(t, lossy.Sent(), 1)

	got, err := packet.Decode(reliable.Sent()[0])
	require.NoError(t, err)
	assert.Equal(t, packet.KindReliable, got.Kind)
	assert.Equal(t, "chat", got.User.Topic)

	got, err = packet.Decode(lossy.Sent()[0])
	require.NoError(t, err)
	assert.Equal(t, packet.KindLossy, got.Kind)
	assert.Equal(t, []byte("l"), got.User.Payload)
}

func TestSendFailureIsStateError(t *testing.T) {
	p, _ := newPair(t)
	reliable := coretest.NewOpenDataChannel(LabelReliable, 1)
	reliable.SendErr = errors.New("buffer full")
	p.SetReliable(reliable)
	p.SetLossy(coretest.NewOpenDataChannel(LabelLossy, 2))

	err := p.Send(packet.UserPacket{Payload: []byte("x")}, domain.Reliable)
	var se *domain.StateError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, domain.ErrSendFailed)
	assert.ErrorIs(t, err, reliable.SendErr)
}

func TestReplacedChannelIsClosed(t *testing.T) {
	p, _ := newPair(t)
	first := coretest.NewOpenDataChannel(LabelReliable, 1)
	second := coretest.NewOpenDataChannel(LabelReliable, 3)

	p.SetReliable(first)
	p.SetReliable(second)
	assert.Equal(t, 1, first.Closes())
	assert.Nil(t, first.Handler())
	assert.Zero(t, second.Closes())
	assert.NotNil(t, second.Handler())
}

func TestResetClosesAndRearms(t *testing.T) {
	p, ev := newPair(t)
	reliable := coretest.NewOpenDataChannel(LabelReliable, 1)
	lossy := coretest.NewOpenDataChannel(LabelLossy, 2)
	p.SetReliable(reliable)
	p.SetLossy(lossy)
	require.True(t, p.IsOpen())
	require.Equal(t, 1, ev.openCount())

	p.Reset()
	assert.False(t, p.IsOpen())
	assert.Empty(t, p.Infos())
	assert.Equal(t, 1, reliable.Closes())
	assert.Equal(t, 1, lossy.Closes())

	p.SetReliable(coretest.NewOpenDataChannel(LabelReliable, 5))
	p.SetLossy(coretest.NewOpenDataChannel(LabelLossy, 6))
	assert.Equal(t, 2, ev.openCount())
}

func TestInfosNotGatedOnOpen(t *testing.T) {
	p, _ := newPair(t)
	p.SetReliable(coretest.NewOpenDataChannel(LabelReliable, 7))
	p.SetLossy(coretest.NewDataChannel(LabelLossy))

	infos := p.Infos()
	require.Len(t, infos, 2)
	assert.Equal(t, LabelReliable, infos[0].Label)
	require.NotNil(t, infos[0].ID)
	assert.Equal(t, uint16(7), *infos[0].ID)
	assert.Equal(t, webrtc.DataChannelStateOpen, infos[0].State)
	assert.Equal(t, LabelLossy, infos[1].Label)
	assert.Nil(t, infos[1].ID)
	assert.Equal(t, webrtc.DataChannelStateConnecting, infos[1].State)
}

func TestInboundPackets(t *testing.T) {
	p, ev := newPair(t)
	lossy := coretest.NewOpenDataChannel(LabelLossy, 2)
	p.SetReliable(coretest.NewOpenDataChannel(LabelReliable, 1))
	p.SetLossy(lossy)

	lossy.Deliver([]byte{0xff, 0x00, 0x13})
	raw, err := packet.Encode(packet.NewUser(packet.UserPacket{ParticipantSID: "PA_1", Payload: []byte("yo")}, domain.Lossy))
	require.NoError(t, err)
	lossy.Deliver(raw)

	ev.mu.Lock()
	defer ev.mu.Unlock()
	require.Len(t, ev.packets, 1)
	assert.Equal(t, "PA_1", ev.packets[0].User.ParticipantSID)
	assert.Equal(t, domain.Lossy, ev.packets[0].Kind.Reliability())
}
