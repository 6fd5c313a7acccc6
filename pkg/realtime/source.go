package realtime

import (
	"context"
	"time"

	"dealroom/pkg/domain"
	"dealroom/pkg/store"
)

// EventSource is the push/poll duality behind one interface. Consumers
// subscribe and read events; they never branch on which transport is
// active. Every stream terminates with a stream-end sentinel carrying the
// cursor (last delivered sequence) so the client can resubscribe without
// losing messages.
type EventSource interface {
	Subscribe(ctx context.Context, roomID, userID string, afterSeq int64) (<-chan domain.Event, error)
}

// HubSource is the push implementation: a hub connection per subscription,
// with persisted messages past the cursor replayed first.
type HubSource struct {
	Hub *Hub
}

// Subscribe registers a hub connection and streams its events. The
// connection is unregistered when ctx is done.
func (s *HubSource) Subscribe(ctx context.Context, roomID, userID string, afterSeq int64) (<-chan domain.Event, error) {
	conn := s.Hub.RegisterConnection(userID, roomID, "")
	out := make(chan domain.Event, connSendBuffer)

	go func() {
		defer close(out)
		defer s.Hub.UnregisterConnection(conn.ID)

		cursor := afterSeq
		for _, msg := range s.Hub.MessagesAfter(roomID, afterSeq) {
			msg := msg
			select {
			case out <- domain.Event{
				Name:      domain.EventNewMessage,
				RoomID:    roomID,
				Seq:       msg.Seq,
				Message:   &msg,
				CreatedAt: msg.CreatedAt,
			}:
				cursor = msg.Seq
			case <-ctx.Done():
				sendEnd(out, roomID, cursor)
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				sendEnd(out, roomID, cursor)
				return
			case evt, ok := <-conn.Events():
				if !ok {
					sendEnd(out, roomID, cursor)
					return
				}
				if evt.Seq > 0 && evt.Seq <= cursor {
					continue // already replayed from the store
				}
				if evt.Seq > 0 {
					cursor = evt.Seq
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					sendEnd(out, roomID, cursor)
					return
				}
			}
		}
	}()
	return out, nil
}

// PollSource is the pull implementation used when push transport is
// unavailable: it periodically fetches message deltas from the store and
// emits them in the same event shapes.
type PollSource struct {
	Store    store.Store
	Interval time.Duration
}

// Subscribe polls the store for messages past the cursor until ctx is done.
func (s *PollSource) Subscribe(ctx context.Context, roomID, userID string, afterSeq int64) (<-chan domain.Event, error) {
	interval := s.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	out := make(chan domain.Event, connSendBuffer)

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		cursor := afterSeq
		for {
			msgs, err := s.Store.ListRoomMessagesAfter(roomID, cursor, roomBufferCap)
			if err == nil {
				for _, msg := range msgs {
					msg := msg
					select {
					case out <- domain.Event{
						Name:      domain.EventNewMessage,
						RoomID:    roomID,
						Seq:       msg.Seq,
						Message:   &msg,
						CreatedAt: msg.CreatedAt,
					}:
						cursor = msg.Seq
					case <-ctx.Done():
						sendEnd(out, roomID, cursor)
						return
					}
				}
			}
			select {
			case <-ctx.Done():
				sendEnd(out, roomID, cursor)
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

// sendEnd flushes the sentinel without blocking. An abandoned consumer
// with a full channel must not pin the goroutine past its deferred
// unregister.
func sendEnd(out chan<- domain.Event, roomID string, cursor int64) {
	select {
	case out <- endEvent(roomID, cursor):
	default:
	}
}

func endEvent(roomID string, cursor int64) domain.Event {
	return domain.Event{
		Name:      domain.EventStreamEnd,
		RoomID:    roomID,
		Cursor:    cursor,
		CreatedAt: time.Now().UTC(),
	}
}
