package realtime

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"dealroom/pkg/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024
)

// inboundFrame is what a websocket peer sends us. Kind selects the
// behavior: "message" persists and fans out, "typing" and "activity" are
// broadcast only.
type inboundFrame struct {
	Kind     string            `json:"kind"`
	Text     string            `json:"text,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
	Activity string            `json:"activity,omitempty"`
}

// Client binds one websocket to one hub connection. ReadPump and
// WritePump each run in their own goroutine; the hub connection is
// unregistered when the read side exits.
type Client struct {
	hub    *Hub
	conn   *Connection
	ws     *websocket.Conn
	role   domain.Role
	name   string
	logger *slog.Logger
}

func NewClient(hub *Hub, conn *Connection, ws *websocket.Conn, role domain.Role, name string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{hub: hub, conn: conn, ws: ws, role: role, name: name, logger: logger}
}

// ReadPump consumes frames from the peer until the socket errors or
// closes. It must run in the goroutine that owns reads.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.UnregisterConnection(c.conn.ID)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.Touch(c.conn.ID)
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", "connection_id", c.conn.ID, "error", err)
			}
			return
		}
		c.hub.Touch(c.conn.ID)

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Warn("websocket frame rejected", "connection_id", c.conn.ID, "error", err)
			continue
		}
		c.handle(frame)
	}
}

func (c *Client) handle(frame inboundFrame) {
	switch frame.Kind {
	case "typing":
		c.hub.SendTypingIndicator(c.conn.RoomID, c.conn.ID, c.role, c.name)
	case "activity":
		c.hub.SendUserActivity(c.conn.RoomID, c.conn.ID, c.role, c.name, frame.Activity)
	case "message", "":
		if frame.Text == "" && len(frame.Data) == 0 {
			return
		}
		msg := domain.RoomMessage{
			SenderRole: c.role,
			SenderName: c.name,
			Kind:       domain.KindText,
			Body:       frame.Text,
			Data:       frame.Data,
		}
		if _, err := c.hub.SendMessage(c.conn.RoomID, c.conn.ID, msg); err != nil {
			c.logger.Error("message send failed", "connection_id", c.conn.ID, "room_id", c.conn.RoomID, "error", err)
		}
	default:
		c.logger.Warn("unknown frame kind", "connection_id", c.conn.ID, "kind", frame.Kind)
	}
}

// WritePump forwards hub events to the peer and keeps the connection
// alive with pings. It exits when the hub closes the event channel or a
// write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	var cursor int64
	for {
		select {
		case evt, ok := <-c.conn.Events():
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Flush a final sentinel so the peer can reconnect at a
				// known cursor, mirroring the long-poll stream end.
				_ = c.ws.WriteJSON(endEvent(c.conn.RoomID, cursor))
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if evt.Seq > 0 {
				cursor = evt.Seq
			}
			if err := c.ws.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
