package domain

import "errors"

var (
	// ErrNotFound is returned when a chat, message, user or token does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotParticipant is returned when a user acts on a chat they are not part of.
	ErrNotParticipant = errors.New("not a participant")

	// ErrInvalidChat is returned when a chat cannot be created from the given participants.
	ErrInvalidChat = errors.New("invalid chat")

	// ErrInvalidMessage is returned for empty or oversized message content.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrAlreadyExists is returned when creating a user whose username is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// IsRejection reports whether err is a capability or existence failure rather than
// an infrastructure failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNotParticipant) ||
		errors.Is(err, ErrInvalidMessage)
}
