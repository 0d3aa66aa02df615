package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/parley/internal/domain"
)

// fakeStore is an in-memory store.ChatStore.
type fakeStore struct {
	mu       sync.Mutex
	chats    map[int64]*domain.Chat
	messages []domain.Message
	receipts map[[2]int64]int64 // {chatID, userID} -> last read
	nextID   int64
	failNext error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chats:    make(map[int64]*domain.Chat),
		receipts: make(map[[2]int64]int64),
	}
}

func (f *fakeStore) addChat(id int64, users ...domain.UserRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats[id] = &domain.Chat{ID: id, Participants: users, IsGroup: len(users) > 2}
}

func (f *fakeStore) takeFailure() error {
	err := f.failNext
	f.failNext = nil
	return err
}

func (f *fakeStore) ListChatIDsForUser(_ context.Context, userID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for id, c := range f.chats {
		if c.HasParticipant(userID) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStore) GetChat(_ context.Context, chatID int64) (*domain.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("chat %d: %w", chatID, domain.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) IsParticipant(_ context.Context, chatID, userID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return false, err
	}
	c, ok := f.chats[chatID]
	return ok && c.HasParticipant(userID), nil
}

func (f *fakeStore) CreateMessage(_ context.Context, chatID, senderID int64, content string) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return nil, err
	}
	c, ok := f.chats[chatID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	var sender domain.UserRef
	found := false
	for _, p := range c.Participants {
		if p.ID == senderID {
			sender, found = p, true
		}
	}
	if !found {
		return nil, domain.ErrNotParticipant
	}
	f.nextID++
	msg := domain.Message{ID: f.nextID, ChatID: chatID, Sender: sender, Content: content, CreatedAt: time.Now().UTC()}
	f.messages = append(f.messages, msg)
	f.receipts[[2]int64{chatID, senderID}] = msg.ID
	return &msg, nil
}

func (f *fakeStore) LatestMessage(_ context.Context, chatID int64) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.messages) - 1; i >= 0; i-- {
		if f.messages[i].ChatID == chatID {
			m := f.messages[i]
			return &m, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) UpsertReadReceipt(_ context.Context, chatID, userID, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure(); err != nil {
		return err
	}
	key := [2]int64{chatID, userID}
	if messageID > f.receipts[key] {
		f.receipts[key] = messageID
	}
	return nil
}

func (f *fakeStore) GetReadReceipt(_ context.Context, chatID, userID int64) (*domain.ReadReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.receipts[[2]int64{chatID, userID}]
	if !ok {
		return nil, nil
	}
	return &domain.ReadReceipt{UserID: userID, ChatID: chatID, LastReadMessageID: id}, nil
}

func (f *fakeStore) UnreadCount(_ context.Context, chatID, userID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	last := f.receipts[[2]int64{chatID, userID}]
	n := 0
	for _, m := range f.messages {
		if m.ChatID == chatID && m.Sender.ID != userID && m.ID > last {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CreateChat(context.Context, domain.NewChat) (*domain.Chat, bool, error) {
	return nil, false, errors.New("not implemented")
}

func (f *fakeStore) ListChatsForUser(context.Context, int64) ([]domain.ChatSummary, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeStore) ListMessages(_ context.Context, chatID, _ int64, _ int) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Message
	for _, m := range f.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}
