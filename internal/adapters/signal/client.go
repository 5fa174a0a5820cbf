// Package signal is a websocket signaling client. It carries offers,
// answers and candidates as JSON frames and feeds server messages to a
// Handler.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/rtcsession/internal/app/session"
	"github.com/dkeye/rtcsession/internal/core"
	"github.com/dkeye/rtcsession/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrRateLimited  = errors.New("rejoin rate limited")
)

// Handler receives server initiated signaling. The session coordinator
// satisfies it.
type Handler interface {
	HandleJoin(ctx context.Context, jr session.JoinResponse) error
	HandleOffer(ctx context.Context, sd webrtc.SessionDescription) error
	HandleAnswer(ctx context.Context, sd webrtc.SessionDescription) error
	HandleTrickle(ctx context.Context, c webrtc.ICECandidateInit, role domain.Role) error
	HandleLeave(ctx context.Context) error
}

var _ Handler = (*session.Coordinator)(nil)

type Options struct {
	Token        string
	PingInterval time.Duration
	// At most RejoinLimit rejoins are sent per RejoinWindow.
	RejoinLimit  int
	RejoinWindow time.Duration
	Logger       zerolog.Logger
}

type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	token  string
	ping   time.Duration
	rejoin *rateLimiter
	log    zerolog.Logger

	// closed by writePump once queued frames are flushed
	writerDone chan struct{}

	lastPong atomic.Int64

	mu     sync.RWMutex
	closed bool
}

var _ core.Signaler = (*Client)(nil)

// Dial opens the signaling socket. The token is sent as a bearer header
// and again in the join frame.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial signal %s: %w", url, err)
	}
	return newClient(ws, opts), nil
}

func newClient(ws *websocket.Conn, opts Options) *Client {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 15 * time.Second
	}
	if opts.RejoinLimit <= 0 {
		opts.RejoinLimit = 3
	}
	if opts.RejoinWindow <= 0 {
		opts.RejoinWindow = time.Minute
	}
	return &Client{
		conn:   ws,
		send:   make(chan []byte, 64),
		token:  opts.Token,
		ping:   opts.PingInterval,
		rejoin: newRateLimiter(opts.RejoinLimit, opts.RejoinWindow),
		log:    opts.Logger.With().Str("module", "signal").Logger(),

		writerDone: make(chan struct{}),
	}
}

// Run sends the join request and pumps messages until ctx ends or the
// socket fails. It closes the client on return.
func (c *Client) Run(ctx context.Context, h Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.Close()

	go c.writePump(ctx)
	if err := c.sendJSON(Message{Type: TypeJoin, Token: c.token}); err != nil {
		return err
	}
	return c.readPump(ctx, h)
}

func (c *Client) SendOffer(_ context.Context, sd webrtc.SessionDescription) error {
	return c.sendJSON(Message{Type: TypeOffer, SDP: sd.SDP})
}

func (c *Client) SendAnswer(_ context.Context, sd webrtc.SessionDescription) error {
	return c.sendJSON(Message{Type: TypeAnswer, SDP: sd.SDP})
}

func (c *Client) SendCandidate(_ context.Context, ci webrtc.ICECandidateInit, target domain.Role) error {
	return c.sendJSON(Message{Type: TypeTrickle, Target: target, Candidate: &ci})
}

func (c *Client) Rejoin(_ context.Context) error {
	if !c.rejoin.Allow() {
		return ErrRateLimited
	}
	c.log.Info().Msg("requesting rejoin")
	return c.sendJSON(Message{Type: TypeRejoin, Token: c.token})
}

// Leave tells the server the client is going away. The frame is still
// flushed if Run's context ends right after.
func (c *Client) Leave() error {
	return c.sendJSON(Message{Type: TypeLeave})
}

func (c *Client) sendJSON(m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", m.Type, err)
	}
	return c.TrySend(b)
}

// TrySend queues a frame without blocking.
func (c *Client) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return domain.ErrClosed
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}
