package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashureev/parley/internal/broadcast"
	"github.com/ashureev/parley/internal/domain"
	"github.com/ashureev/parley/internal/store"
)

const sendLockStripes = 256

// Options configures a Service.
type Options struct {
	MaxMessageLength int
	// EchoToSender delivers a message to the session that sent it as well.
	EchoToSender bool
}

// Service is the entry point sessions and HTTP handlers use to send
// messages and track reads.
type Service struct {
	pipeline *Pipeline
	receipts *ReadTracker
	bus      broadcast.Bus
	echo     bool

	// Sequencer held across persist and publish. Chats share a stripe by id.
	sendLocks [sendLockStripes]sync.Mutex

	sent      atomic.Uint64
	published atomic.Uint64
}

// NewService wires the pipeline and read tracker to bus.
func NewService(st store.ChatStore, bus broadcast.Bus, opts Options) *Service {
	return &Service{
		pipeline: NewPipeline(st, opts.MaxMessageLength),
		receipts: NewReadTracker(st),
		bus:      bus,
		echo:     opts.EchoToSender,
	}
}

func (s *Service) lockFor(chatID int64) *sync.Mutex {
	return &s.sendLocks[uint64(chatID)%sendLockStripes]
}

// SendMessage persists a message and fans it out to the chat's subscribers.
// originSession is the sending session's subscriber id, or "" for HTTP sends.
// Nothing is published unless the message was stored.
func (s *Service) SendMessage(ctx context.Context, sender domain.Identity, chatID int64, content, originSession string) (*domain.Message, error) {
	mu := s.lockFor(chatID)
	mu.Lock()
	defer mu.Unlock()

	msg, err := s.pipeline.Send(ctx, chatID, sender, content)
	if err != nil {
		return nil, err
	}
	s.sent.Add(1)

	frame, err := json.Marshal(domain.NewMessageEvent(msg))
	if err != nil {
		return msg, fmt.Errorf("encode message event: %w", err)
	}

	ev := broadcast.Event{ChatID: chatID, Payload: frame}
	if !s.echo {
		ev.Exclude = originSession
	}
	// Fan-out proceeds once the message is stored, even if the caller has gone away.
	if err := s.bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		slog.Warn("Message fan-out failed", "chat_id", chatID, "message_id", msg.ID, "error", err)
		return msg, nil
	}
	s.published.Add(1)
	return msg, nil
}

// MarkRead marks the chat read up to its newest message.
func (s *Service) MarkRead(ctx context.Context, user domain.Identity, chatID int64) (int64, error) {
	return s.receipts.MarkRead(ctx, user, chatID)
}

// UnreadCount returns the user's unread count for the chat.
func (s *Service) UnreadCount(ctx context.Context, user domain.Identity, chatID int64) (int, error) {
	return s.receipts.UnreadCount(ctx, user, chatID)
}

// Counters returns how many messages were stored and published.
func (s *Service) Counters() (sent, published uint64) {
	return s.sent.Load(), s.published.Load()
}
