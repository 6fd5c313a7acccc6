package domain

import "time"

// Event names emitted by the realtime transport. Consumers receive the same
// shapes whether delivered over push or through the polling snapshot surface.
const (
	EventNewMessage        = "new-message"
	EventNewActivity       = "new-activity"
	EventTyping            = "typing"
	EventUserStatusChanged = "user-status-changed"
	EventTransactionUpdate = "transaction.updated"
	EventFileVerification  = "file.verification.updated"
	EventStreamEnd         = "stream-end"
)

// Event is one transport-agnostic room event envelope.
type Event struct {
	Name      string           `json:"event"`
	RoomID    string           `json:"roomId"`
	Seq       int64            `json:"seq,omitempty"`
	Message   *RoomMessage     `json:"message,omitempty"`
	Presence  *PresenceChange  `json:"presence,omitempty"`
	Tx        *Transaction     `json:"transaction,omitempty"`
	File      *TransactionFile `json:"file,omitempty"`
	Cursor    int64            `json:"cursor,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

// PresenceChange reports an online/offline flip for one session.
type PresenceChange struct {
	UserIdentifier string `json:"userIdentifier"`
	Role           Role   `json:"role"`
	Online         bool   `json:"online"`
}
