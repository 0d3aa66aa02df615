// Package chat implements message sending and read tracking on top of the
// chat store and the broadcast bus.
package chat

import (
	"context"
	"fmt"

	"github.com/ashureev/parley/internal/domain"
	"github.com/ashureev/parley/internal/store"
)

// requireParticipant is the one capability check for every chat operation.
// It returns domain.ErrNotFound for a missing chat and domain.ErrNotParticipant
// when the chat exists but the user is not in it.
func requireParticipant(ctx context.Context, st store.ChatStore, chatID, userID int64) error {
	ok, err := st.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return fmt.Errorf("check participant: %w", err)
	}
	if ok {
		return nil
	}
	if _, err := st.GetChat(ctx, chatID); err != nil {
		return err
	}
	return fmt.Errorf("user %d in chat %d: %w", userID, chatID, domain.ErrNotParticipant)
}
