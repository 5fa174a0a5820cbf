package rtc

import (
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/rtcsession/internal/core"
	"github.com/dkeye/rtcsession/internal/domain"
)

func TestMain(m *testing.M) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.DebugLevel)
	os.Exit(m.Run())
}

const remoteSDP = `v=0
o=- 0 0 IN IP4 127.0.0.1
s=-
t=0 0
m=audio 9 UDP/TLS/RTP/SAVPF 111
c=IN IP4 0.0.0.0
a=mid:0
a=sendonly
a=msid:stream-a track-a
a=rtpmap:111 opus/48000/2
m=video 9 UDP/TLS/RTP/SAVPF 96
c=IN IP4 0.0.0.0
a=mid:1
a=inactive
a=msid:stream-b track-b
a=rtpmap:96 VP8/90000
m=video 9 UDP/TLS/RTP/SAVPF 96
c=IN IP4 0.0.0.0
a=mid:2
a=sendrecv
a=rtpmap:96 VP8/90000
a=ssrc:1234 msid:stream-c track-c
`

func TestSendingTrackIDs(t *testing.T) {
	sd := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: strings.ReplaceAll(remoteSDP, "\n", "\r\n")}
	ids, err := sendingTrackIDs(sd)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"track-a": true, "track-c": true}, ids)
}

type recordingHandler struct {
	mu         sync.Mutex
	states     []webrtc.PeerConnectionState
	candidates []webrtc.ICECandidateInit
	channels   []core.DataChannel
	negotiate  int
	peer       *PeerConnection
}

func (h *recordingHandler) OnConnectionStateChange(s webrtc.PeerConnectionState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, s)
}

func (h *recordingHandler) OnICECandidate(c webrtc.ICECandidateInit) {
	h.mu.Lock()
	peer := h.peer
	h.candidates = append(h.candidates, c)
	h.mu.Unlock()
	if peer != nil && peer.RemoteDescription() != nil {
		_ = peer.AddICECandidate(c)
	}
}

func (h *recordingHandler) OnTrack(domain.RemoteTrack)        {}
func (h *recordingHandler) OnTrackRemoved(domain.RemoteTrack) {}

func (h *recordingHandler) OnDataChannel(dc core.DataChannel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channels = append(h.channels, dc)
}

func (h *recordingHandler) OnNegotiationNeeded() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.negotiate++
}

func (h *recordingHandler) connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.states {
		if s == webrtc.PeerConnectionStateConnected {
			return true
		}
	}
	return false
}

type messageSink struct {
	mu   sync.Mutex
	msgs []string
	open int
}

func (s *messageSink) OnStateChange(dc core.DataChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		s.open++
	}
}

func (s *messageSink) OnMessage(_ core.DataChannel, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, string(b))
}

func TestLoopbackNegotiation(t *testing.T) {
	f, err := NewFactory(FactoryOptions{IncludeLoopback: true, Logger: log.Logger})
	require.NoError(t, err)

	offererPC, err := f.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	answererPC, err := f.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	offerer := offererPC.(*PeerConnection)
	answerer := answererPC.(*PeerConnection)
	defer offerer.Close()
	defer answerer.Close()

	oh := &recordingHandler{peer: answerer}
	ah := &recordingHandler{peer: offerer}
	offerer.SetHandler(oh)
	answerer.SetHandler(ah)

	dc, err := offerer.CreateDataChannel("reliable", nil)
	require.NoError(t, err)
	sink := &messageSink{}
	dc.SetHandler(sink)

	offer, err := offerer.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, offerer.SetLocalDescription(offer))
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, offerer.SignalingState())

	require.NoError(t, answerer.SetRemoteDescription(offer))
	answer, err := answerer.CreateAnswer(nil)
	require.NoError(t, err)
	require.NoError(t, answerer.SetLocalDescription(answer))
	require.NoError(t, offerer.SetRemoteDescription(answer))
	assert.Equal(t, webrtc.SignalingStateStable, offerer.SignalingState())

	// Candidates gathered before the remote side had a description.
	oh.mu.Lock()
	early := append([]webrtc.ICECandidateInit(nil), oh.candidates...)
	oh.mu.Unlock()
	for _, c := range early {
		_ = answerer.AddICECandidate(c)
	}
	ah.mu.Lock()
	early = append([]webrtc.ICECandidateInit(nil), ah.candidates...)
	ah.mu.Unlock()
	for _, c := range early {
		_ = offerer.AddICECandidate(c)
	}

	require.Eventually(t, func() bool { return oh.connected() && ah.connected() }, 15*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return dc.ReadyState() == webrtc.DataChannelStateOpen }, 10*time.Second, 20*time.Millisecond)

	var remote core.DataChannel
	require.Eventually(t, func() bool {
		ah.mu.Lock()
		defer ah.mu.Unlock()
		if len(ah.channels) == 0 {
			return false
		}
		remote = ah.channels[0]
		return true
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, "reliable", remote.Label())

	remoteSink := &messageSink{}
	remote.SetHandler(remoteSink)
	require.Eventually(t, func() bool { return remote.ReadyState() == webrtc.DataChannelStateOpen }, 10*time.Second, 20*time.Millisecond)
	require.NoError(t, dc.Send([]byte("ping")))
	require.Eventually(t, func() bool {
		remoteSink.mu.Lock()
		defer remoteSink.mu.Unlock()
		return len(remoteSink.msgs) == 1 && remoteSink.msgs[0] == "ping"
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, offerer.Close())
	assert.Empty(t, offerer.Senders())
}
