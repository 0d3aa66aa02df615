// Package domain contains core domain types for the chat service.
package domain

import (
	"time"
)

// User is an account known to the user directory.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Ref returns the public reference embedded in chats and messages.
func (u *User) Ref() UserRef {
	return UserRef{ID: u.ID, Username: u.Username}
}

// Identity returns the connection identity for this user.
func (u *User) Identity() Identity {
	return Identity{UserID: u.ID, Username: u.Username}
}

// UserRef is the {"id","username"} pair sent to clients.
type UserRef struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Identity is the resolved principal behind a connection or request.
// The zero value is the anonymous identity.
type Identity struct {
	UserID   int64
	Username string
}

// Anonymous returns the unauthenticated identity.
func Anonymous() Identity {
	return Identity{}
}

// IsAnonymous reports whether the identity failed to resolve to a user.
func (i Identity) IsAnonymous() bool {
	return i.UserID <= 0
}

// Ref returns the identity as a UserRef.
func (i Identity) Ref() UserRef {
	return UserRef{ID: i.UserID, Username: i.Username}
}
