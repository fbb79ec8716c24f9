// ABOUTME: Per-connection websocket pumps for the realtime channel
// ABOUTME: Read pump decodes inbound envelopes; write pump drains the registry queue

package realtime

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/registry"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	maxFrameSize = 4096
)

// client couples one websocket to its registry connection.
type client struct {
	router *Router
	ws     *websocket.Conn
	conn   *registry.Conn
	logger *slog.Logger
}

// readPump consumes inbound frames until the connection closes, then
// tears down registry state. Events are dispatched inline, so ordering
// holds within this connection's stream.
func (c *client) readPump() {
	defer func() {
		c.router.disconnect(c.conn)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("read error", "error", err)
			}
			return
		}

		var ev Inbound
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.sendError("invalid_json", "could not decode event")
			continue
		}
		c.router.dispatch(c, &ev)
	}
}

// writePump drains the registry queue to the peer and keeps the
// connection alive with pings. Exits when the queue is closed by
// Unregister or when a write fails.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case payload, ok := <-c.conn.Out():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendError emits an error event to this connection only.
func (c *client) sendError(code, message string) {
	c.router.registry.SendTo(c.conn, encodeError(code, message))
}
