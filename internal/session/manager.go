package session

import (
	"log/slog"
	"sync"

	"github.com/ashureev/parley/internal/broadcast"
	"github.com/coder/websocket"
)

// Manager tracks live sessions by user.
type Manager struct {
	reg *broadcast.Registry

	mu     sync.RWMutex
	active map[int64]map[string]*Session
}

// NewManager creates a session manager whose sessions subscribe through reg.
func NewManager(reg *broadcast.Registry) *Manager {
	return &Manager{
		reg:    reg,
		active: make(map[int64]map[string]*Session),
	}
}

// Register adds a live session.
func (m *Manager) Register(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userID := s.identity.UserID
	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*Session)
	}
	m.active[userID][s.id] = s
	slog.Info("Chat session registered", "user_id", userID, "session_id", s.id)
}

// Unregister removes a session. Removing an unknown session is a no-op.
func (m *Manager) Unregister(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	userID := s.identity.UserID
	if sessions, ok := m.active[userID]; ok {
		if current, exists := sessions[s.id]; exists && current == s {
			delete(sessions, s.id)
			if len(sessions) == 0 {
				delete(m.active, userID)
			}
			slog.Info("Chat session unregistered", "user_id", userID, "session_id", s.id)
		}
	}
}

// SessionsFor returns the user's live sessions.
func (m *Manager) SessionsFor(userID int64) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.active[userID]))
	for _, s := range m.active[userID] {
		out = append(out, s)
	}
	return out
}

// JoinChat subscribes every live session of the given users to a chat,
// typically one that was created after they connected. It returns the number
// of sessions joined.
func (m *Manager) JoinChat(chatID int64, userIDs []int64) int {
	var targets []*Session
	for _, uid := range userIDs {
		targets = append(targets, m.SessionsFor(uid)...)
	}

	joined := 0
	for _, s := range targets {
		if s.join(m.reg, chatID) {
			joined++
		}
	}
	if joined > 0 {
		slog.Debug("Live sessions joined chat", "chat_id", chatID, "sessions", joined)
	}
	return joined
}

// CloseAll terminates every live session, e.g. on shutdown.
func (m *Manager) CloseAll(reason string) int {
	m.mu.RLock()
	var all []*Session
	for _, sessions := range m.active {
		for _, s := range sessions {
			all = append(all, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range all {
		s.Close(websocket.StatusGoingAway, reason)
	}
	return len(all)
}

// Stats reports connected users and sessions.
type Stats struct {
	Users    int `json:"users"`
	Sessions int `json:"sessions"`
}

// Stats returns the current counts.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{Users: len(m.active)}
	for _, sessions := range m.active {
		st.Sessions += len(sessions)
	}
	return st
}
