// Package session runs one command loop per websocket connection and keeps
// track of the live sessions of every user.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/parley/internal/broadcast"
	"github.com/ashureev/parley/internal/domain"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	defaultQueueSize    = 64
	defaultWriteTimeout = 10 * time.Second
)

// Commands is the chat core a session dispatches to.
type Commands interface {
	SendMessage(ctx context.Context, sender domain.Identity, chatID int64, content, originSession string) (*domain.Message, error)
	MarkRead(ctx context.Context, user domain.Identity, chatID int64) (int64, error)
}

// Session is one live connection. It is a broadcast.Subscriber: frames are
// queued on a bounded outbound channel drained by its own writer goroutine.
type Session struct {
	id       string
	identity domain.Identity
	conn     *websocket.Conn
	logger   *slog.Logger

	outbound     chan []byte
	writeTimeout time.Duration

	done        chan struct{}
	closeOnce   sync.Once
	closeCode   websocket.StatusCode
	closeReason string

	mu    sync.Mutex
	chats map[int64]struct{}
	left  bool

	wg sync.WaitGroup
}

func newSession(id domain.Identity, conn *websocket.Conn, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	sid := uuid.NewString()
	return &Session{
		id:           sid,
		identity:     id,
		conn:         conn,
		logger:       slog.Default().With("session_id", sid, "user_id", id.UserID),
		outbound:     make(chan []byte, queueSize),
		writeTimeout: defaultWriteTimeout,
		done:         make(chan struct{}),
		chats:        make(map[int64]struct{}),
	}
}

// ID implements broadcast.Subscriber.
func (s *Session) ID() string { return s.id }

// Identity returns the authenticated user behind the session.
func (s *Session) Identity() domain.Identity { return s.identity }

// Deliver queues a frame without blocking. A session whose queue is full is
// closed as a slow consumer; it can reconnect and backfill from history.
func (s *Session) Deliver(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.outbound <- frame:
		return true
	case <-s.done:
		return false
	default:
		s.logger.Warn("Outbound queue full, closing slow consumer", "queue_len", len(s.outbound))
		s.Close(websocket.StatusPolicyViolation, "slow consumer")
		return false
	}
}

// Close starts shutting the session down. Only the first call's status is kept.
func (s *Session) Close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.done)
	})
}

// Chats returns the ids of the chats the session is subscribed to.
func (s *Session) Chats() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.chats))
	for id := range s.chats {
		ids = append(ids, id)
	}
	return ids
}

// join subscribes the session to a chat group. It returns false once the
// session has left all its groups, so a departed session never rejoins.
func (s *Session) join(reg *broadcast.Registry, chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.left {
		return false
	}
	if _, ok := s.chats[chatID]; !ok {
		s.chats[chatID] = struct{}{}
		reg.Join(chatID, s)
		s.logger.Debug("Joined chat group", "group", broadcast.GroupName(chatID))
	}
	return true
}

// leaveAll removes the session from every group it joined.
func (s *Session) leaveAll(reg *broadcast.Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.left = true
	ids := make([]int64, 0, len(s.chats))
	for id := range s.chats {
		ids = append(ids, id)
	}
	reg.LeaveAll(s.id, ids)
	clear(s.chats)
}

// startWriter drains the outbound queue to the connection until the session
// closes, then closes the connection with the recorded status.
func (s *Session) startWriter(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.done:
				if err := s.conn.Close(s.closeCode, s.closeReason); err != nil {
					s.logger.Debug("Failed to close websocket", "error", err)
				}
				return
			case frame := <-s.outbound:
				wctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
				err := s.conn.Write(wctx, websocket.MessageText, frame)
				cancel()
				if err != nil {
					s.logger.Debug("WebSocket write error", "error", err)
					s.Close(websocket.StatusGoingAway, "write failed")
				}
			}
		}
	}()
}

// readLoop processes inbound frames one at a time, in arrival order.
func (s *Session) readLoop(ctx context.Context, cmds Commands, storeTimeout time.Duration) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				s.logger.Debug("WebSocket closed by client")
			} else {
				select {
				case <-s.done:
				default:
					s.logger.Debug("WebSocket read error", "error", err)
				}
			}
			return
		}
		s.handleFrame(ctx, cmds, storeTimeout, data)
	}
}

func (s *Session) handleFrame(ctx context.Context, cmds Commands, storeTimeout time.Duration, data []byte) {
	frame, err := parseFrame(data)
	if err != nil {
		s.logger.Debug("Dropping malformed frame", "error", err, "size", len(data))
		return
	}

	chatID := int64(frame.ChatID)
	switch frame.Command {
	case commandSendMessage:
		if chatID <= 0 || frame.Content == nil || *frame.Content == "" {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		if _, err := cmds.SendMessage(cctx, s.identity, chatID, *frame.Content, s.id); err != nil {
			s.logCommandError(commandSendMessage, chatID, err)
		}

	case commandMarkAsRead:
		if chatID <= 0 {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		if _, err := cmds.MarkRead(cctx, s.identity, chatID); err != nil {
			s.logCommandError(commandMarkAsRead, chatID, err)
		}

	default:
		s.logger.Debug("Ignoring unknown command", "command", frame.Command)
	}
}

func (s *Session) logCommandError(command string, chatID int64, err error) {
	if domain.IsRejection(err) {
		s.logger.Debug("Command rejected", "command", command, "chat_id", chatID, "error", err)
		return
	}
	s.logger.Warn("Command failed", "command", command, "chat_id", chatID, "error", err)
}
