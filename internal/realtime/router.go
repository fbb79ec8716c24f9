// ABOUTME: Event router binding registry, ledger, and store to the websocket channel
// ABOUTME: Verifies the handshake credential once, then dispatches inbound events

package realtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/ledger"
	"github.com/parleyhq/parley/internal/registry"
	"github.com/parleyhq/parley/internal/store"
)

// storeOpTimeout bounds store operations triggered by connection events.
// Detached from the connection context so in-flight writes complete and
// their broadcasts go out even if the originating connection closes.
const storeOpTimeout = 5 * time.Second

// RouterStore defines what the router needs from storage
type RouterStore interface {
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	TouchLastSeen(ctx context.Context, userID string, t time.Time) error
}

// Router is the protocol state machine for the realtime channel. Each
// connection moves Connecting -> Authenticated -> (Idle|InRoom) ->
// Disconnected; events are handled independently per connection, ordered
// only within a single connection's stream.
type Router struct {
	registry *registry.Registry
	ledger   *ledger.Ledger
	store    RouterStore
	verifier auth.TokenVerifier
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewRouter creates a router. Pass nil logger for default.
func NewRouter(reg *registry.Registry, led *ledger.Ledger, st RouterStore, verifier auth.TokenVerifier, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: reg,
		ledger:   led,
		store:    st,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "realtime"),
	}
}

// ServeHTTP upgrades the connection after verifying the handshake
// credential. An invalid credential refuses the connection with 401
// before any event is accepted.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		http.Error(w, `{"error":"missing credential"}`, http.StatusUnauthorized)
		return
	}
	userID, err := rt.verifier.Verify(token)
	if err != nil {
		http.Error(w, `{"error":"invalid credential"}`, http.StatusUnauthorized)
		return
	}

	ws, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rt.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	conn, cameOnline := rt.registry.Register(userID)
	if cameOnline {
		rt.registry.BroadcastAll(encodePresence(userID, "online", time.Now()))
	}

	client := &client{
		router: rt,
		ws:     ws,
		conn:   conn,
		logger: rt.logger.With("conn_id", conn.ID, "user_id", userID),
	}
	go client.writePump()
	go client.readPump()
}

// disconnect tears down a connection's registry state and, when this was
// the user's last connection, records last-seen and broadcasts offline.
func (rt *Router) disconnect(conn *registry.Conn) {
	wentOffline := rt.registry.Unregister(conn)
	if !wentOffline {
		return
	}

	now := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := rt.store.TouchLastSeen(ctx, conn.UserID, now); err != nil {
		rt.logger.Error("failed to persist last seen",
			"error", err,
			"user_id", conn.UserID)
	}
	rt.registry.BroadcastAll(encodePresence(conn.UserID, "offline", now))
}

// dispatch routes one inbound event. A failing handler aborts only that
// event's side effects; the connection's read loop continues.
func (rt *Router) dispatch(c *client, ev *Inbound) {
	switch ev.Type {
	case EventJoinConversation:
		rt.handleJoin(c, ev)
	case EventLeaveConversation:
		if ev.ConversationID == "" {
			return
		}
		rt.registry.LeaveRoom(c.conn, ev.ConversationID)
	case EventTyping:
		if ev.ConversationID == "" {
			return
		}
		rt.registry.BroadcastExcept(ev.ConversationID,
			encodeTyping(ev.ConversationID, c.conn.UserID, ev.IsTyping), c.conn.ID)
	case EventSendMessage:
		rt.handleSendMessage(c, ev)
	case EventAckDelivered, EventAckRead:
		rt.handleAck(c, ev)
	default:
		c.sendError("unsupported_type", "unknown event type: "+ev.Type)
	}
}

// handleJoin subscribes the connection to a room after checking the user
// actually holds a membership in the conversation. Missing cid is ignored.
func (rt *Router) handleJoin(c *client, ev *Inbound) {
	if ev.ConversationID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	member, err := rt.store.IsMember(ctx, ev.ConversationID, c.conn.UserID)
	if err != nil {
		c.logger.Error("membership check failed",
			"error", err,
			"conversation_id", ev.ConversationID)
		c.sendError("internal", "could not verify membership")
		return
	}
	if !member {
		c.sendError("unauthorized", "not a member of this conversation")
		return
	}

	rt.registry.JoinRoom(c.conn, ev.ConversationID)
}

// handleSendMessage persists the message, then broadcasts it to the full
// room including the sender, enabling optimistic-UI reconciliation.
func (rt *Router) handleSendMessage(c *client, ev *Inbound) {
	if ev.ConversationID == "" || ev.Kind == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	msg, err := rt.ledger.Create(ctx, ev.ConversationID, c.conn.UserID, ev.Kind, ev.Text, ev.FileURL)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidMessage) {
			c.sendError("invalid_message", err.Error())
			return
		}
		c.logger.Error("message create failed",
			"error", err,
			"conversation_id", ev.ConversationID)
		c.sendError("internal", "could not send message")
		return
	}

	rt.registry.Broadcast(ev.ConversationID, encodeMessageCreated(msg))
}

// handleAck applies a delivery or read acknowledgment and broadcasts the
// updated set as a partial message_updated event. An ack for an unknown
// message logs and drops; it never takes down the connection.
func (rt *Router) handleAck(c *client, ev *Inbound) {
	if ev.ConversationID == "" || ev.MessageID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	var payload []byte
	var err error
	if ev.Type == EventAckRead {
		var readBy store.IDSet
		readBy, err = rt.ledger.AckRead(ctx, ev.MessageID, c.conn.UserID)
		if err == nil {
			payload = encodeRead(ev.MessageID, readBy)
		}
	} else {
		var deliveredTo store.IDSet
		deliveredTo, err = rt.ledger.AckDelivered(ctx, ev.MessageID, c.conn.UserID)
		if err == nil {
			payload = encodeDelivered(ev.MessageID, deliveredTo)
		}
	}

	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.logger.Debug("ack for unknown message", "message_id", ev.MessageID)
			c.sendError("not_found", "unknown message: "+ev.MessageID)
			return
		}
		c.logger.Error("ack failed",
			"error", err,
			"message_id", ev.MessageID,
			"event", ev.Type)
		c.sendError("internal", "could not acknowledge message")
		return
	}

	rt.registry.Broadcast(ev.ConversationID, payload)
}
