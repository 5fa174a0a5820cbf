package signal

import (
	"time"
)

func (c *Client) sendPing() {
	if err := c.sendJSON(Message{Type: TypePing}); err != nil {
		c.log.Debug().Err(err).Msg("ping not sent")
	}
}

func (c *Client) handlePong() {
	c.lastPong.Store(time.Now().UnixNano())
}

// LastPong reports when the server last answered a ping. Zero if never.
func (c *Client) LastPong() time.Time {
	ns := c.lastPong.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
