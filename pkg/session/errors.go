package session

import "errors"

var (
	// ErrSessionConflict is returned when a role is already held online or
	// the user is already active in another room.
	ErrSessionConflict = errors.New("session conflict")

	// ErrInvalidSession is returned for unknown, malformed, or revoked
	// session tokens.
	ErrInvalidSession = errors.New("invalid session")

	// ErrRoomNotFound is returned when the target room does not exist.
	ErrRoomNotFound = errors.New("room not found")
)
