package domain

import (
	"time"
)

// Message is an immutable chat message. IDs are assigned by the store and
// increase monotonically, so they define the order within a chat.
type Message struct {
	ID        int64     `json:"id"`
	ChatID    int64     `json:"chat"`
	Sender    UserRef   `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`
}

// ReadReceipt marks the last message a user has read in a chat.
// LastReadMessageID is 0 when nothing has been read.
type ReadReceipt struct {
	UserID            int64     `json:"user_id"`
	ChatID            int64     `json:"chat_id"`
	LastReadMessageID int64     `json:"last_read_message_id"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// MessageEvent is the outbound frame pushed to every subscriber of a chat
// when a message is created.
type MessageEvent struct {
	Message   Message `json:"message"`
	Sender    string  `json:"sender"`
	Timestamp string  `json:"timestamp"`
	ChatID    int64   `json:"chat_id"`
}

// NewMessageEvent builds the fan-out frame for msg.
func NewMessageEvent(msg *Message) MessageEvent {
	return MessageEvent{
		Message:   *msg,
		Sender:    msg.Sender.Username,
		Timestamp: msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		ChatID:    msg.ChatID,
	}
}
