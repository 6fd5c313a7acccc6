package store

import (
	"time"

	"dealroom/pkg/domain"
)

// Store defines persistence operations for rooms, sessions, invitations,
// transactions, evidence files, and room messages. In-memory presence state
// lives in the realtime hub; this store is authoritative for everything
// durable.
type Store interface {
	// rooms
	SaveRoom(domain.Room) error
	GetRoom(id string) (domain.Room, bool, error)
	SetRoomStatus(id string, status domain.RoomStatus) error

	// sessions
	SaveSession(domain.RoomSession) error
	GetSessionByToken(token string) (domain.RoomSession, bool, error)
	// FindOrCreateSession returns the existing session for
	// (room, role, user identifier) or inserts the given one.
	// The second result reports whether a new row was created.
	FindOrCreateSession(s domain.RoomSession) (domain.RoomSession, bool, error)
	ListRoomSessions(roomID string, onlineOnly bool) ([]domain.RoomSession, error)
	ListUserSessions(userIdentifier string) ([]domain.RoomSession, error)
	ListSessionsIdleSince(cutoff time.Time) ([]domain.RoomSession, error)
	// PurgeSessionsBefore hard-deletes sessions whose last activity predates
	// the cutoff and returns how many rows were removed.
	PurgeSessionsBefore(cutoff time.Time) (int, error)

	// invitations
	SaveInvitation(domain.RoomInvitation) error
	GetInvitation(id string) (domain.RoomInvitation, bool, error)
	ListRoomInvitations(roomID string) ([]domain.RoomInvitation, error)

	// transactions
	SaveTransaction(domain.Transaction) error
	GetTransaction(id string) (domain.Transaction, bool, error)
	GetActiveTransactionByRoom(roomID string) (domain.Transaction, bool, error)
	// UpdateTransactionIfStatus writes tx only when the stored row still has
	// status from. It returns false when the guard did not match, which is
	// how concurrent state transitions lose cleanly.
	UpdateTransactionIfStatus(tx domain.Transaction, from domain.TransactionStatus) (bool, error)

	// evidence files
	SaveTransactionFile(domain.TransactionFile) error
	GetTransactionFile(id string) (domain.TransactionFile, bool, error)
	ListTransactionFiles(transactionID string) ([]domain.TransactionFile, error)
	// UpdateFileIfStatus is the file-level counterpart of
	// UpdateTransactionIfStatus.
	UpdateFileIfStatus(f domain.TransactionFile, from domain.FileStatus) (bool, error)

	// messages
	// AppendRoomMessage assigns the room-monotonic sequence number and
	// returns the stored message.
	AppendRoomMessage(msg domain.RoomMessage) (domain.RoomMessage, error)
	ListRoomMessagesAfter(roomID string, afterSeq int64, limit int) ([]domain.RoomMessage, error)
}
