package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
)

const writeWait = 5 * time.Second

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.ping)
	defer ticker.Stop()
	defer close(c.writerDone)

	for {
		select {
		case <-ctx.Done():
			c.log.Debug().Msg("writePump ctx done")
			c.flush()
			return
		case <-ticker.C:
			c.sendPing()
		case data, ok := <-c.send:
			if !ok {
				c.log.Debug().Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error().Err(err).Msg("writePump write error")
				return
			}
		}
	}
}

// flush writes what is still queued and says goodbye. Best effort.
func (c *Client) flush() {
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("flush write error")
				return
			}
		default:
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) readPump(ctx context.Context, h Handler) error {
	go func() {
		<-ctx.Done()
		<-c.writerDone
		c.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.log.Info().Msg("signal connection closed")
				return nil
			}
			return err
		}
		if c.dispatch(ctx, h, data) {
			return nil
		}
	}
}

// dispatch handles one frame and reports whether the server ended the session.
func (c *Client) dispatch(ctx context.Context, h Handler, data []byte) bool {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		c.log.Error().Err(err).Msg("bad json")
		return false
	}

	var err error
	switch m.Type {
	case TypeJoin:
		if m.Join == nil {
			err = errors.New("join without payload")
			break
		}
		err = h.HandleJoin(ctx, *m.Join)
	case TypeOffer:
		err = h.HandleOffer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP})
	case TypeAnswer:
		err = h.HandleAnswer(ctx, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP})
	case TypeTrickle:
		if m.Candidate == nil {
			err = errors.New("trickle without candidate")
			break
		}
		err = h.HandleTrickle(ctx, *m.Candidate, m.Target)
	case TypeLeave:
		c.log.Info().Str("reason", m.Reason).Msg("leave from server")
		if err := h.HandleLeave(ctx); err != nil {
			c.log.Error().Err(err).Msg("handle leave")
		}
		return true
	case TypePong:
		c.handlePong()
	default:
		c.log.Warn().Str("type", m.Type).Msg("unknown signal")
	}
	if err != nil {
		c.log.Error().Err(err).Str("type", m.Type).Msg("handle signal")
	}
	return false
}
