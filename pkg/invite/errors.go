package invite

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidToken is returned when an invitation token cannot be
	// resolved to an active invitation.
	ErrInvalidToken = errors.New("invalid invitation token")

	// ErrPinRequired is returned when a PIN-protected invitation is used
	// without one.
	ErrPinRequired = errors.New("PIN required")

	// ErrPinInvalid is the base error for a wrong PIN; PinAttemptError
	// wraps it with the remaining attempt count.
	ErrPinInvalid = errors.New("incorrect PIN")

	// ErrPinLocked is the base error for a locked invitation;
	// PinLockedError wraps it with the unlock time.
	ErrPinLocked = errors.New("PIN locked")

	// ErrInvitationExpired is returned once the invitation TTL has passed.
	ErrInvitationExpired = errors.New("invitation expired")

	// ErrJoinTokenExpired is returned when a join token has outlived its
	// freshness window. The invitation itself may still be valid; the
	// caller re-verifies the PIN to get a fresh one.
	ErrJoinTokenExpired = errors.New("join token expired")

	// ErrInvitationNotFound is returned for unknown invitation IDs.
	ErrInvitationNotFound = errors.New("invitation not found")
)

// PinAttemptError carries the attempts remaining before lockout.
type PinAttemptError struct {
	Remaining int
}

func (e *PinAttemptError) Error() string {
	return fmt.Sprintf("incorrect PIN, %d attempts remaining", e.Remaining)
}

func (e *PinAttemptError) Unwrap() error { return ErrPinInvalid }

// PinLockedError carries the time at which attempts are accepted again.
type PinLockedError struct {
	Until time.Time
}

func (e *PinLockedError) Error() string {
	return fmt.Sprintf("PIN locked until %s", e.Until.Format(time.RFC3339))
}

func (e *PinLockedError) Unwrap() error { return ErrPinLocked }
