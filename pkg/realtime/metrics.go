package realtime

import (
	"sync/atomic"
	"time"
)

type hubMetrics struct {
	startedAt        time.Time
	totalConnections atomic.Int64
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	errors           atomic.Int64
}

// Metrics is a point-in-time snapshot of transport counters and gauges.
type Metrics struct {
	TotalConnections  int64         `json:"totalConnections"`
	ActiveConnections int           `json:"activeConnections"`
	MessagesSent      int64         `json:"messagesSent"`
	MessagesReceived  int64         `json:"messagesReceived"`
	Errors            int64         `json:"errors"`
	Uptime            time.Duration `json:"uptimeSeconds"`
	ActiveRooms       int           `json:"activeRooms"`
	TotalMessages     int           `json:"totalMessages"`
}

// Metrics returns the current transport snapshot. Counters are monotonic;
// gauges reflect this instant.
func (h *Hub) Metrics() Metrics {
	h.mu.RLock()
	active := len(h.conns)
	rooms := len(h.rooms)
	buffered := 0
	for _, room := range h.rooms {
		buffered += len(room.buffer)
	}
	h.mu.RUnlock()

	return Metrics{
		TotalConnections:  h.metrics.totalConnections.Load(),
		ActiveConnections: active,
		MessagesSent:      h.metrics.messagesSent.Load(),
		MessagesReceived:  h.metrics.messagesReceived.Load(),
		Errors:            h.metrics.errors.Load(),
		Uptime:            h.now().UTC().Sub(h.metrics.startedAt) / time.Second,
		ActiveRooms:       rooms,
		TotalMessages:     buffered,
	}
}
