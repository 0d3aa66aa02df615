package chat

import (
	"context"
	"fmt"

	"github.com/ashureev/parley/internal/domain"
	"github.com/ashureev/parley/internal/store"
)

// ReadTracker maintains per-user read positions.
type ReadTracker struct {
	store store.ChatStore
}

// NewReadTracker creates a tracker over st.
func NewReadTracker(st store.ChatStore) *ReadTracker {
	return &ReadTracker{store: st}
}

// MarkRead moves the user's receipt to the chat's newest message and returns
// its id. It returns 0 without writing when the chat has no messages.
func (t *ReadTracker) MarkRead(ctx context.Context, user domain.Identity, chatID int64) (int64, error) {
	if err := requireParticipant(ctx, t.store, chatID, user.UserID); err != nil {
		return 0, err
	}

	latest, err := t.store.LatestMessage(ctx, chatID)
	if err != nil {
		return 0, fmt.Errorf("latest message: %w", err)
	}
	if latest == nil {
		return 0, nil
	}

	if err := t.store.UpsertReadReceipt(ctx, chatID, user.UserID, latest.ID); err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return latest.ID, nil
}

// UnreadCount returns how many messages from others the user has not read.
func (t *ReadTracker) UnreadCount(ctx context.Context, user domain.Identity, chatID int64) (int, error) {
	if err := requireParticipant(ctx, t.store, chatID, user.UserID); err != nil {
		return 0, err
	}
	n, err := t.store.UnreadCount(ctx, chatID, user.UserID)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}
