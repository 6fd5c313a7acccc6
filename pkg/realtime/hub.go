package realtime

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"dealroom/internal/util"
	"dealroom/pkg/domain"
	"dealroom/pkg/store"
)

const (
	// roomBufferCap bounds the per-room in-memory message buffer; the
	// oldest entries are evicted first. Durable history lives in the store.
	roomBufferCap = 1000

	// connSendBuffer is the per-connection outbound queue. A full queue
	// drops the event for that connection rather than stalling the room.
	connSendBuffer = 256
)

// Connection is one live subscriber. In-memory only; destroyed on
// disconnect or by the idle-cleanup sweep.
type Connection struct {
	ID          string
	UserID      string
	RoomID      string
	ConnectedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
	send         chan domain.Event
}

// Events returns the outbound event stream for this connection.
func (c *Connection) Events() <-chan domain.Event { return c.send }

// LastActivity returns the most recent activity timestamp.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

// deliver enqueues without blocking; a full or closed queue drops the event.
func (c *Connection) deliver(evt domain.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true // delivery to a closed connection is a no-op, not an error
	}
	select {
	case c.send <- evt:
		return true
	default:
		return false
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

type roomState struct {
	members map[string]*Connection // key: connection ID
	buffer  []domain.RoomMessage
}

// Hub is the authoritative in-memory registry of connections and room
// membership, and the fan-out point for room events. All mutations of the
// connection table and room index are linearized under one lock so that
// "last member leaves, buffer evicted" cannot race with "first member
// joins, buffer created".
type Hub struct {
	store  store.Store
	now    func() time.Time
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
	rooms map[string]*roomState

	metrics hubMetrics
}

// HubConfig wires Hub dependencies.
type HubConfig struct {
	Store  store.Store
	Now    func() time.Time
	Logger *slog.Logger
}

// NewHub constructs a hub. Each test gets a fresh instance; nothing here is
// process-global.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Store == nil {
		return nil, errors.New("hub store required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		store:  cfg.Store,
		now:    now,
		logger: logger,
		conns:  make(map[string]*Connection),
		rooms:  make(map[string]*roomState),
	}
	h.metrics.startedAt = now().UTC()
	return h, nil
}

// RegisterConnection adds a connection to the table and the room index.
// The first connection for a room initializes an empty message buffer.
// An empty connectionID gets a generated one.
func (h *Hub) RegisterConnection(userID, roomID, connectionID string) *Connection {
	if connectionID == "" {
		connectionID = uuid.NewString()
	}
	now := h.now().UTC()
	conn := &Connection{
		ID:           connectionID,
		UserID:       userID,
		RoomID:       roomID,
		ConnectedAt:  now,
		lastActivity: now,
		send:         make(chan domain.Event, connSendBuffer),
	}

	h.mu.Lock()
	room, ok := h.rooms[roomID]
	if !ok {
		room = &roomState{members: make(map[string]*Connection)}
		h.rooms[roomID] = room
	}
	room.members[conn.ID] = conn
	h.conns[conn.ID] = conn
	h.mu.Unlock()

	h.metrics.totalConnections.Add(1)
	h.logger.Debug("connection registered",
		"connection_id", conn.ID, "room_id", roomID, "user", userID)
	return conn
}

// UnregisterConnection removes a connection from both indices. When the room
// index becomes empty its buffer is evicted. Idempotent: sweeps and normal
// disconnects may race on the same connection.
func (h *Hub) UnregisterConnection(connectionID string) {
	h.mu.Lock()
	conn, ok := h.conns[connectionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, connectionID)
	if room, ok := h.rooms[conn.RoomID]; ok {
		delete(room.members, connectionID)
		if len(room.members) == 0 {
			delete(h.rooms, conn.RoomID)
		}
	}
	h.mu.Unlock()

	conn.close()
	h.logger.Debug("connection unregistered",
		"connection_id", connectionID, "room_id", conn.RoomID)
}

// Touch records activity for a connection, keeping it clear of the idle sweep.
func (h *Hub) Touch(connectionID string) {
	h.mu.RLock()
	conn, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if ok {
		conn.touch(h.now().UTC())
	}
}

// SendMessage persists a chat message, appends it to the room buffer, and
// broadcasts it to every other connection in the room. The durable write
// happens before the in-memory append so the polling surface never trails
// the push surface.
func (h *Hub) SendMessage(roomID, senderConnID string, msg domain.RoomMessage) (domain.RoomMessage, error) {
	msg.RoomID = roomID
	if msg.ID == "" {
		msg.ID = util.NewID()
	}
	if msg.Kind == "" {
		msg.Kind = domain.KindText
	}
	msg.CreatedAt = h.now().UTC()

	stored, err := h.store.AppendRoomMessage(msg)
	if err != nil {
		h.metrics.errors.Add(1)
		return domain.RoomMessage{}, fmt.Errorf("append message: %w", err)
	}
	h.metrics.messagesReceived.Add(1)

	h.mu.Lock()
	if room, ok := h.rooms[roomID]; ok {
		room.buffer = append(room.buffer, stored)
		if len(room.buffer) > roomBufferCap {
			room.buffer = room.buffer[len(room.buffer)-roomBufferCap:]
		}
	}
	h.mu.Unlock()

	h.BroadcastToRoom(roomID, domain.Event{
		Name:      domain.EventNewMessage,
		RoomID:    roomID,
		Seq:       stored.Seq,
		Message:   &stored,
		CreatedAt: stored.CreatedAt,
	}, senderConnID)
	return stored, nil
}

// BroadcastToRoom delivers the event to all connections currently indexed
// under the room, except the excluded one. Events for one room go out in
// submission order; there is no cross-room ordering guarantee.
func (h *Hub) BroadcastToRoom(roomID string, evt domain.Event, excludeConnID string) {
	h.mu.RLock()
	room, ok := h.rooms[roomID]
	recipients := make([]*Connection, 0)
	if ok {
		for _, conn := range room.members {
			if conn.ID != excludeConnID {
				recipients = append(recipients, conn)
			}
		}
	}
	h.mu.RUnlock()

	for _, conn := range recipients {
		if conn.deliver(evt) {
			h.metrics.messagesSent.Add(1)
		} else {
			h.metrics.errors.Add(1)
			h.logger.Warn("connection send queue full, event dropped",
				"connection_id", conn.ID, "room_id", roomID, "event", evt.Name)
		}
	}
}

// SendTypingIndicator broadcasts a typing event. Not persisted or buffered.
func (h *Hub) SendTypingIndicator(roomID, senderConnID string, role domain.Role, name string) {
	h.BroadcastToRoom(roomID, domain.Event{
		Name:   domain.EventTyping,
		RoomID: roomID,
		Message: &domain.RoomMessage{
			RoomID:     roomID,
			SenderRole: role,
			SenderName: name,
			Kind:       domain.KindTyping,
		},
		CreatedAt: h.now().UTC(),
	}, senderConnID)
}

// SendUserActivity broadcasts an activity note. Not persisted or buffered.
func (h *Hub) SendUserActivity(roomID, senderConnID string, role domain.Role, name, activity string) {
	h.BroadcastToRoom(roomID, domain.Event{
		Name:   domain.EventNewActivity,
		RoomID: roomID,
		Message: &domain.RoomMessage{
			RoomID:     roomID,
			SenderRole: role,
			SenderName: name,
			Body:       activity,
			Kind:       domain.KindActivity,
		},
		CreatedAt: h.now().UTC(),
	}, senderConnID)
}

// PublishPresence implements session.PresencePublisher.
func (h *Hub) PublishPresence(roomID string, change domain.PresenceChange) {
	h.BroadcastToRoom(roomID, domain.Event{
		Name:      domain.EventUserStatusChanged,
		RoomID:    roomID,
		Presence:  &change,
		CreatedAt: h.now().UTC(),
	}, "")
}

// PublishTransaction implements escrow.EventPublisher.
func (h *Hub) PublishTransaction(roomID string, tx domain.Transaction) {
	h.BroadcastToRoom(roomID, domain.Event{
		Name:      domain.EventTransactionUpdate,
		RoomID:    roomID,
		Tx:        &tx,
		CreatedAt: h.now().UTC(),
	}, "")
}

// PublishFileVerification implements escrow.EventPublisher.
func (h *Hub) PublishFileVerification(roomID string, tx domain.Transaction, f domain.TransactionFile) {
	h.BroadcastToRoom(roomID, domain.Event{
		Name:      domain.EventFileVerification,
		RoomID:    roomID,
		Tx:        &tx,
		File:      &f,
		CreatedAt: h.now().UTC(),
	}, "")
}

// MessagesAfter returns persisted room messages with Seq > afterSeq, up to
// the buffer capacity. The store is the source of truth here: the in-memory
// buffer only holds messages sent while the room had live connections, so
// replay must not depend on it.
func (h *Hub) MessagesAfter(roomID string, afterSeq int64) []domain.RoomMessage {
	msgs, err := h.store.ListRoomMessagesAfter(roomID, afterSeq, roomBufferCap)
	if err != nil {
		h.metrics.errors.Add(1)
		h.logger.Error("list room messages failed", "room_id", roomID, "error", err)
		return h.BufferedMessages(roomID, afterSeq)
	}
	return msgs
}

// BufferedMessages returns a copy of the room's in-memory buffer with
// Seq > afterSeq.
func (h *Hub) BufferedMessages(roomID string, afterSeq int64) []domain.RoomMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]domain.RoomMessage, 0, len(room.buffer))
	for _, msg := range room.buffer {
		if msg.Seq > afterSeq {
			out = append(out, msg)
		}
	}
	return out
}

// CleanupInactiveConnections closes and unregisters connections idle past
// the threshold. A problem with one connection does not stop the sweep.
func (h *Hub) CleanupInactiveConnections(idleThreshold time.Duration) int {
	cutoff := h.now().UTC().Add(-idleThreshold)

	h.mu.RLock()
	stale := make([]string, 0)
	for id, conn := range h.conns {
		if conn.LastActivity().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range stale {
		h.UnregisterConnection(id)
	}
	if len(stale) > 0 {
		h.logger.Info("idle connections cleaned", "count", len(stale))
	}
	return len(stale)
}

// RoomConnections returns the number of live connections in a room.
func (h *Hub) RoomConnections(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if room, ok := h.rooms[roomID]; ok {
		return len(room.members)
	}
	return 0
}
