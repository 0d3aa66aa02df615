package chat

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/ashureev/parley/internal/domain"
	"github.com/ashureev/parley/internal/store"
)

// DefaultMaxMessageLength bounds message content in runes.
const DefaultMaxMessageLength = 4096

// Pipeline validates and persists inbound messages. It never publishes.
type Pipeline struct {
	store  store.ChatStore
	maxLen int
}

// NewPipeline creates a pipeline. maxLen <= 0 selects DefaultMaxMessageLength.
func NewPipeline(st store.ChatStore, maxLen int) *Pipeline {
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLength
	}
	return &Pipeline{store: st, maxLen: maxLen}
}

// Send persists content as a message from sender in chatID. The chat must
// exist and the sender must be a participant; otherwise nothing is written.
// The store advances the sender's read receipt in the same transaction.
func (p *Pipeline) Send(ctx context.Context, chatID int64, sender domain.Identity, content string) (*domain.Message, error) {
	if sender.IsAnonymous() {
		return nil, fmt.Errorf("anonymous sender: %w", domain.ErrNotParticipant)
	}
	if content == "" {
		return nil, fmt.Errorf("empty content: %w", domain.ErrInvalidMessage)
	}
	if n := utf8.RuneCountInString(content); n > p.maxLen {
		return nil, fmt.Errorf("content is %d runes, limit %d: %w", n, p.maxLen, domain.ErrInvalidMessage)
	}

	if err := requireParticipant(ctx, p.store, chatID, sender.UserID); err != nil {
		return nil, err
	}

	msg, err := p.store.CreateMessage(ctx, chatID, sender.UserID, content)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return msg, nil
}
