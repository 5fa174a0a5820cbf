package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/rtcsession/internal/app/session"
	"github.com/dkeye/rtcsession/internal/domain"
)

func TestMain(m *testing.M) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	os.Exit(m.Run())
}

type recordingHandler struct {
	mu      sync.Mutex
	joins   []session.JoinResponse
	offers  []webrtc.SessionDescription
	answers []webrtc.SessionDescription
	trickle map[domain.Role][]string
	leaves  int
}

func (h *recordingHandler) HandleJoin(_ context.Context, jr session.JoinResponse) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joins = append(h.joins, jr)
	return nil
}

func (h *recordingHandler) HandleOffer(_ context.Context, sd webrtc.SessionDescription) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.offers = append(h.offers, sd)
	return nil
}

func (h *recordingHandler) HandleAnswer(_ context.Context, sd webrtc.SessionDescription) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.answers = append(h.answers, sd)
	return nil
}

func (h *recordingHandler) HandleTrickle(_ context.Context, c webrtc.ICECandidateInit, role domain.Role) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.trickle == nil {
		h.trickle = make(map[domain.Role][]string)
	}
	h.trickle[role] = append(h.trickle[role], c.Candidate)
	return nil
}

func (h *recordingHandler) HandleLeave(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaves++
	return nil
}

// fakeServer accepts one client and exposes what it received.
type fakeServer struct {
	srv      *httptest.Server
	received chan Message
	conn     chan *websocket.Conn
	auth     chan string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		received: make(chan Message, 256),
		conn:     make(chan *websocket.Conn, 1),
		auth:     make(chan string, 1),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.auth <- r.Header.Get("Authorization")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conn <- ws
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var m Message
			if json.Unmarshal(data, &m) == nil {
				fs.received <- m
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeServer) next(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-fs.received:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message from client")
		return Message{}
	}
}

func TestClientRoundTrip(t *testing.T) {
	fs := newFakeServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := Dial(ctx, fs.url(), Options{Token: "secret", Logger: log.Logger})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", <-fs.auth)
	ws := <-fs.conn

	h := &recordingHandler{}
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, h) }()

	join := fs.next(t)
	assert.Equal(t, TypeJoin, join.Type)
	assert.Equal(t, "secret", join.Token)

	write := func(m Message) {
		require.NoError(t, ws.WriteJSON(m))
	}
	write(Message{Type: TypeJoin, Join: &session.JoinResponse{ParticipantSID: "PA_1", SubscriberPrimary: true}})
	write(Message{Type: TypeOffer, SDP: "server-offer"})
	write(Message{Type: TypeTrickle, Target: domain.RoleSubscriber, Candidate: &webrtc.ICECandidateInit{Candidate: "c1"}})
	write(Message{Type: TypeAnswer, SDP: "server-answer"})
	write(Message{Type: "bogus"})

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.joins) == 1 && len(h.offers) == 1 && len(h.answers) == 1 && len(h.trickle[domain.RoleSubscriber]) == 1
	}, 2*time.Second, 10*time.Millisecond)
	h.mu.Lock()
	assert.True(t, h.joins[0].SubscriberPrimary)
	assert.Equal(t, webrtc.SDPTypeOffer, h.offers[0].Type)
	assert.Equal(t, "server-offer", h.offers[0].SDP)
	h.mu.Unlock()

	require.NoError(t, client.SendAnswer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "client-answer"}))
	m := fs.next(t)
	assert.Equal(t, TypeAnswer, m.Type)
	assert.Equal(t, "client-answer", m.SDP)

	require.NoError(t, client.SendCandidate(ctx, webrtc.ICECandidateInit{Candidate: "local"}, domain.RolePublisher))
	m = fs.next(t)
	assert.Equal(t, TypeTrickle, m.Type)
	assert.Equal(t, domain.RolePublisher, m.Target)
	require.NotNil(t, m.Candidate)
	assert.Equal(t, "local", m.Candidate.Candidate)

	write(Message{Type: TypeLeave, Reason: "room closed"})
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after leave")
	}
	h.mu.Lock()
	assert.Equal(t, 1, h.leaves)
	h.mu.Unlock()

	assert.ErrorIs(t, client.SendOffer(ctx, webrtc.SessionDescription{}), domain.ErrClosed)
}

func TestRejoinIsRateLimited(t *testing.T) {
	fs := newFakeServer(t)
	ctx := context.Background()
	client, err := Dial(ctx, fs.url(), Options{RejoinLimit: 2, RejoinWindow: time.Hour, Logger: log.Logger})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Rejoin(ctx))
	require.NoError(t, client.Rejoin(ctx))
	assert.ErrorIs(t, client.Rejoin(ctx), ErrRateLimited)
}

func TestRateLimiterWindowSlides(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := newRateLimiter(1, time.Second)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())
	now = now.Add(2 * time.Second)
	assert.True(t, rl.Allow())
}

func TestPingPong(t *testing.T) {
	fs := newFakeServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := Dial(ctx, fs.url(), Options{PingInterval: 20 * time.Millisecond, Logger: log.Logger})
	require.NoError(t, err)
	ws := <-fs.conn
	go func() { _ = client.Run(ctx, &recordingHandler{}) }()

	assert.Equal(t, TypeJoin, fs.next(t).Type)
	assert.Equal(t, TypePing, fs.next(t).Type)
	assert.True(t, client.LastPong().IsZero())

	require.NoError(t, ws.WriteJSON(Message{Type: TypePong}))
	require.Eventually(t, func() bool { return !client.LastPong().IsZero() }, 2*time.Second, 10*time.Millisecond)
}

func TestLeaveFlushedOnShutdown(t *testing.T) {
	fs := newFakeServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := Dial(ctx, fs.url(), Options{Logger: log.Logger})
	require.NoError(t, err)
	<-fs.conn

	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, &recordingHandler{}) }()
	assert.Equal(t, TypeJoin, fs.next(t).Type)

	require.NoError(t, client.Leave())
	cancel()

	assert.Equal(t, TypeLeave, fs.next(t).Type)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.ErrorIs(t, client.Leave(), domain.ErrClosed)
}
