// ABOUTME: In-memory connection registry with room membership and presence tracking
// ABOUTME: Fans encoded events out to every live connection subscribed to a room

package registry

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/metrics"
)

// connBufferSize is the outbound queue depth for each connection.
// Slow consumers drop events rather than block the fan-out path.
const connBufferSize = 64

// Conn is the registry's view of one live connection: a verified user
// identity plus a bounded outbound queue drained by the transport layer.
type Conn struct {
	ID     string
	UserID string

	mu     sync.Mutex
	closed bool
	out    chan []byte
}

// Out returns the channel the transport drains to write to the peer.
// It is closed when the connection is unregistered.
func (c *Conn) Out() <-chan []byte {
	return c.out
}

// trySend queues a payload without blocking. Returns false when the
// payload was dropped: queue full, or the connection already closed.
// Broadcasters hold *Conn references copied before Unregister ran, so
// the send and the close must exclude each other or the send panics.
func (c *Conn) trySend(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- payload:
		return true
	default:
		return false
	}
}

// closeOut closes the outbound queue exactly once.
func (c *Conn) closeOut() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

// Registry tracks live connections per user, room subscriptions, and the
// set of users currently online. It owns the room/connection mapping
// exclusively; all mutations go through its mutex. Sends never block.
type Registry struct {
	mu          sync.RWMutex
	conns       map[string]*Conn               // conn ID -> conn
	byUser      map[string]map[string]*Conn    // user ID -> conn ID -> conn
	rooms       map[string]map[string]*Conn    // conversation ID -> conn ID -> conn
	roomsByConn map[string]map[string]struct{} // conn ID -> conversation IDs
	logger      *slog.Logger
}

// New creates a registry. Pass nil logger for default.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:       make(map[string]*Conn),
		byUser:      make(map[string]map[string]*Conn),
		rooms:       make(map[string]map[string]*Conn),
		roomsByConn: make(map[string]map[string]struct{}),
		logger:      logger.With("component", "registry"),
	}
}

// Register creates and tracks a connection for the given user. Returns the
// connection and whether this user just came online (no prior connections).
func (r *Registry) Register(userID string) (conn *Conn, cameOnline bool) {
	conn = &Conn{
		ID:     uuid.New().String(),
		UserID: userID,
		out:    make(chan []byte, connBufferSize),
	}

	r.mu.Lock()
	r.conns[conn.ID] = conn
	if _, ok := r.byUser[userID]; !ok {
		r.byUser[userID] = make(map[string]*Conn)
		cameOnline = true
	}
	r.byUser[userID][conn.ID] = conn
	r.roomsByConn[conn.ID] = make(map[string]struct{})
	r.mu.Unlock()

	metrics.OnlineConns.Inc()
	r.logger.Debug("connection registered",
		"conn_id", conn.ID,
		"user_id", userID,
		"came_online", cameOnline)
	return conn, cameOnline
}

// Unregister removes a connection, drops all its room subscriptions, and
// closes its outbound queue. Returns whether the user went offline, i.e.
// this was their last live connection.
func (r *Registry) Unregister(conn *Conn) (wentOffline bool) {
	r.mu.Lock()
	if _, ok := r.conns[conn.ID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, conn.ID)

	for convID := range r.roomsByConn[conn.ID] {
		delete(r.rooms[convID], conn.ID)
		if len(r.rooms[convID]) == 0 {
			delete(r.rooms, convID)
		}
	}
	delete(r.roomsByConn, conn.ID)

	if userConns, ok := r.byUser[conn.UserID]; ok {
		delete(userConns, conn.ID)
		if len(userConns) == 0 {
			delete(r.byUser, conn.UserID)
			wentOffline = true
		}
	}
	r.mu.Unlock()

	conn.closeOut()
	metrics.OnlineConns.Dec()
	r.logger.Debug("connection unregistered",
		"conn_id", conn.ID,
		"user_id", conn.UserID,
		"went_offline", wentOffline)
	return wentOffline
}

// JoinRoom subscribes the connection to a conversation's events.
// Joining an already-joined room is a no-op.
func (r *Registry) JoinRoom(conn *Conn, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn.ID]; !ok {
		return
	}
	if _, ok := r.rooms[conversationID]; !ok {
		r.rooms[conversationID] = make(map[string]*Conn)
	}
	r.rooms[conversationID][conn.ID] = conn
	r.roomsByConn[conn.ID][conversationID] = struct{}{}
}

// LeaveRoom removes the connection from a room. Idempotent.
func (r *Registry) LeaveRoom(conn *Conn, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if subs, ok := r.rooms[conversationID]; ok {
		delete(subs, conn.ID)
		if len(subs) == 0 {
			delete(r.rooms, conversationID)
		}
	}
	if rooms, ok := r.roomsByConn[conn.ID]; ok {
		delete(rooms, conversationID)
	}
}

// InRoom reports whether the connection is subscribed to the room.
func (r *Registry) InRoom(conn *Conn, conversationID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roomsByConn[conn.ID][conversationID]
	return ok
}

// Online reports whether the user has at least one live connection.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Broadcast delivers a payload to every connection in the room. If no
// connections are present the payload is silently dropped; offline
// recipients re-fetch via history pagination on reconnect.
func (r *Registry) Broadcast(conversationID string, payload []byte) {
	r.broadcastRoom(conversationID, payload, "")
}

// BroadcastExcept delivers a payload to every connection in the room
// except the named one. Used for typing events, which exclude the sender.
func (r *Registry) BroadcastExcept(conversationID string, payload []byte, exceptConnID string) {
	r.broadcastRoom(conversationID, payload, exceptConnID)
}

func (r *Registry) broadcastRoom(conversationID string, payload []byte, exceptConnID string) {
	r.mu.RLock()
	subs, ok := r.rooms[conversationID]
	if !ok || len(subs) == 0 {
		r.mu.RUnlock()
		return
	}

	// Copy targets under read lock to avoid holding it during sends
	targets := make([]*Conn, 0, len(subs))
	for id, c := range subs {
		if exceptConnID != "" && id == exceptConnID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	r.send(targets, payload, conversationID)
}

// BroadcastAll delivers a payload to every live connection. Used for
// global presence transitions.
func (r *Registry) BroadcastAll(payload []byte) {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	r.send(targets, payload, "")
}

// SendTo queues a payload for a single connection. Used for error events
// addressed to the originating connection only.
func (r *Registry) SendTo(conn *Conn, payload []byte) {
	r.send([]*Conn{conn}, payload, "")
}

func (r *Registry) send(targets []*Conn, payload []byte, conversationID string) {
	for _, c := range targets {
		if c.trySend(payload) {
			metrics.EventsBroadcast.Inc()
			continue
		}
		metrics.EventsDropped.Inc()
		r.logger.Debug("dropped event for slow or closed connection",
			"conn_id", c.ID,
			"user_id", c.UserID,
			"conversation_id", conversationID)
	}
}
