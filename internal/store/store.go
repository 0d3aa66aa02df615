// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/parley/internal/domain"
)

// ChatStore is the durable storage consulted by the chat core.
type ChatStore interface {
	// ListChatIDsForUser returns the ids of every chat the user participates in.
	ListChatIDsForUser(ctx context.Context, userID int64) ([]int64, error)

	// GetChat returns the chat with its participants, or domain.ErrNotFound.
	GetChat(ctx context.Context, chatID int64) (*domain.Chat, error)

	// IsParticipant reports whether the user is a member of the chat.
	IsParticipant(ctx context.Context, chatID, userID int64) (bool, error)

	// CreateMessage persists a message and, in the same transaction, advances the
	// sender's read receipt to it. Returns domain.ErrNotFound for a missing chat and
	// domain.ErrNotParticipant when the sender is not a member.
	CreateMessage(ctx context.Context, chatID, senderID int64, content string) (*domain.Message, error)

	// LatestMessage returns the newest message of the chat, or nil when it is empty.
	LatestMessage(ctx context.Context, chatID int64) (*domain.Message, error)

	// UpsertReadReceipt points the (user, chat) receipt at messageID.
	// A receipt never moves backwards.
	UpsertReadReceipt(ctx context.Context, chatID, userID, messageID int64) error

	// GetReadReceipt returns the receipt, or nil when the user has none.
	GetReadReceipt(ctx context.Context, chatID, userID int64) (*domain.ReadReceipt, error)

	// UnreadCount counts messages newer than the user's receipt sent by someone else.
	UnreadCount(ctx context.Context, chatID, userID int64) (int, error)

	// CreateChat creates a chat. For a direct chat that already exists between the
	// same two users the existing chat is returned with created=false.
	CreateChat(ctx context.Context, chat domain.NewChat) (c *domain.Chat, created bool, err error)

	// ListChatsForUser returns the user's chats newest first, with last message and unread count.
	ListChatsForUser(ctx context.Context, userID int64) ([]domain.ChatSummary, error)

	// ListMessages returns up to limit messages older than beforeID (0 = newest),
	// in ascending id order.
	ListMessages(ctx context.Context, chatID, beforeID int64, limit int) ([]domain.Message, error)
}

// UserStore is the user directory and token table.
type UserStore interface {
	// CreateUser inserts a user. Returns domain.ErrAlreadyExists for a taken username.
	CreateUser(ctx context.Context, username, passwordHash string) (*domain.User, error)

	// GetUserByUsername retrieves a user by username, or nil when absent.
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)

	// IssueToken returns the user's API token, creating it on first use.
	IssueToken(ctx context.Context, userID int64) (string, error)

	// UserByToken resolves a token key, or nil when the key is unknown.
	UserByToken(ctx context.Context, key string) (*domain.User, error)
}

// Repository is the full persistence surface of the service.
type Repository interface {
	ChatStore
	UserStore

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
