package notify

import (
	"context"
	"log/slog"
	"time"

	"dealroom/pkg/domain"
)

// Mirror implements the publisher interfaces the session registry and
// escrow service emit on, copying each event into the outbox. It is
// composed next to the realtime hub so members get push delivery while
// external consumers get the durable stream. Enqueue failures are logged
// and dropped; the relational store already holds the truth.
type Mirror struct {
	Outbox *RedisOutbox
	Logger *slog.Logger
}

func (m *Mirror) enqueue(evt domain.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := m.Outbox.Enqueue(ctx, evt); err != nil {
		logger := m.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("outbox enqueue failed", "room_id", evt.RoomID, "event", evt.Name, "error", err)
	}
}

func (m *Mirror) PublishPresence(roomID string, change domain.PresenceChange) {
	m.enqueue(domain.Event{
		Name:      domain.EventUserStatusChanged,
		RoomID:    roomID,
		Presence:  &change,
		CreatedAt: time.Now().UTC(),
	})
}

func (m *Mirror) PublishTransaction(roomID string, tx domain.Transaction) {
	m.enqueue(domain.Event{
		Name:      domain.EventTransactionUpdate,
		RoomID:    roomID,
		Tx:        &tx,
		CreatedAt: time.Now().UTC(),
	})
}

func (m *Mirror) PublishFileVerification(roomID string, tx domain.Transaction, f domain.TransactionFile) {
	m.enqueue(domain.Event{
		Name:      domain.EventFileVerification,
		RoomID:    roomID,
		Tx:        &tx,
		File:      &f,
		CreatedAt: time.Now().UTC(),
	})
}
