package domain

import (
	"fmt"
	"slices"
	"time"
)

// Chat is a conversation with a fixed participant set.
type Chat struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	IsGroup      bool      `json:"is_group_chat"`
	Participants []UserRef `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasParticipant reports whether userID is a member of the chat.
func (c *Chat) HasParticipant(userID int64) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// ChatSummary is a chat as seen by one user in a chat list.
type ChatSummary struct {
	Chat
	LastMessage *Message `json:"last_message"`
	UnreadCount int      `json:"unread_count"`
}

// ChatDetail is a chat summary plus its message history.
type ChatDetail struct {
	ChatSummary
	Messages []Message `json:"messages"`
}

// NewChat describes a chat creation request after normalisation.
type NewChat struct {
	CreatorID      int64
	ParticipantIDs []int64
	Title          string
	IsGroup        bool
}

// NormalizeNewChat collapses duplicate ids, always includes the creator and
// decides the group flag. A chat needs at least one participant besides the creator.
func NormalizeNewChat(creatorID int64, participantIDs []int64, title string, groupFlag bool) (NewChat, error) {
	set := map[int64]struct{}{creatorID: {}}
	for _, id := range participantIDs {
		if id <= 0 {
			return NewChat{}, fmt.Errorf("participant id %d: %w", id, ErrInvalidChat)
		}
		set[id] = struct{}{}
	}
	if len(set) < 2 {
		return NewChat{}, fmt.Errorf("no participants besides the creator: %w", ErrInvalidChat)
	}

	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return NewChat{
		CreatorID:      creatorID,
		ParticipantIDs: ids,
		Title:          title,
		IsGroup:        groupFlag || len(ids) > 2,
	}, nil
}

// IsDirect reports whether the request describes a two-party direct chat,
// which must be unique per pair of users.
func (n NewChat) IsDirect() bool {
	return !n.IsGroup && len(n.ParticipantIDs) == 2
}

// DirectKey returns the uniqueness key of a direct chat, independent of order.
func (n NewChat) DirectKey() string {
	if !n.IsDirect() {
		return ""
	}
	return fmt.Sprintf("%d:%d", n.ParticipantIDs[0], n.ParticipantIDs[1])
}
