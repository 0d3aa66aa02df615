package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ashureev/parley/internal/domain"
	"github.com/ashureev/parley/internal/identity"
	"github.com/go-chi/chi/v5"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// ChatHandler serves the chat REST endpoints.
type ChatHandler struct {
	*Handler
}

// NewChatHandler creates a chat handler.
func NewChatHandler(base *Handler) *ChatHandler {
	return &ChatHandler{Handler: base}
}

// RegisterRoutes registers chat routes. The caller mounts identity.Middleware.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Get("/me", h.GetMe)
	r.Get("/stats", h.Stats)
	r.Route("/chats", func(r chi.Router) {
		r.Get("/", h.ListChats)
		r.Post("/", h.CreateChat)
		r.Route("/{chatID}", func(r chi.Router) {
			r.Get("/", h.GetChat)
			r.Get("/messages", h.ListMessages)
			r.Post("/mark_as_read", h.MarkAsRead)
			r.Post("/send_message", h.SendMessage)
		})
	})
}

// GetMe returns the current user's information.
func (h *ChatHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	JSON(w, http.StatusOK, id.Ref())
}

// ListChats returns the caller's chats with last message and unread count.
func (h *ChatHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	chats, err := h.repo.ListChatsForUser(r.Context(), id.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if chats == nil {
		chats = []domain.ChatSummary{}
	}
	JSON(w, http.StatusOK, chats)
}

type createChatRequest struct {
	Participants []int64 `json:"participants"`
	Title        string  `json:"title"`
	IsGroup      bool    `json:"is_group_chat"`
}

// CreateChat creates a chat, or returns the existing direct chat for the pair.
func (h *ChatHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())

	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	newChat, err := domain.NormalizeNewChat(id.UserID, req.Participants, req.Title, req.IsGroup)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	c, created, err := h.repo.CreateChat(r.Context(), newChat)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.sessions.JoinChat(c.ID, newChat.ParticipantIDs)
	}
	JSON(w, status, c)
}

// GetChat returns a chat with its latest messages.
func (h *ChatHandler) GetChat(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	chatID, ok := chatIDParam(r)
	if !ok {
		Error(w, http.StatusNotFound, "chat not found")
		return
	}

	c, err := h.repo.GetChat(r.Context(), chatID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !c.HasParticipant(id.UserID) {
		writeServiceError(w, r, domain.ErrNotParticipant)
		return
	}

	messages, err := h.repo.ListMessages(r.Context(), chatID, 0, defaultPageSize)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	unread, err := h.chats.UnreadCount(r.Context(), id, chatID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	var last *domain.Message
	if len(messages) > 0 {
		last = &messages[len(messages)-1]
	}
	JSON(w, http.StatusOK, domain.ChatDetail{
		ChatSummary: domain.ChatSummary{Chat: *c, LastMessage: last, UnreadCount: unread},
		Messages:    messages,
	})
}

// ListMessages pages through a chat's history, oldest first within the page.
func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	chatID, ok := chatIDParam(r)
	if !ok {
		Error(w, http.StatusNotFound, "chat not found")
		return
	}

	limit := defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			Error(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = n
	}
	var beforeID int64
	if v := r.URL.Query().Get("before_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			Error(w, http.StatusBadRequest, "invalid before_id")
			return
		}
		beforeID = n
	}

	member, err := h.repo.IsParticipant(r.Context(), chatID, id.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !member {
		writeServiceError(w, r, domain.ErrNotParticipant)
		return
	}

	messages, err := h.repo.ListMessages(r.Context(), chatID, beforeID, limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, messages)
}

// MarkAsRead marks the chat read up to its newest message.
func (h *ChatHandler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	chatID, ok := chatIDParam(r)
	if !ok {
		Error(w, http.StatusNotFound, "chat not found")
		return
	}

	lastID, err := h.chats.MarkRead(r.Context(), id, chatID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if lastID == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"detail":               "Marked as read",
		"last_read_message_id": lastID,
	})
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessage posts a message and fans it out to live sessions.
func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	id := identity.FromContext(r.Context())
	chatID, ok := chatIDParam(r)
	if !ok {
		Error(w, http.StatusNotFound, "chat not found")
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	msg, err := h.chats.SendMessage(r.Context(), id, chatID, req.Content, "")
	if err != nil && msg == nil {
		writeServiceError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, msg)
}

// Stats reports live session and fan-out counters.
func (h *ChatHandler) Stats(w http.ResponseWriter, r *http.Request) {
	sent, published := h.chats.Counters()
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessions":  h.sessions.Stats(),
		"broadcast": h.reg.Stats(),
		"messages": map[string]uint64{
			"sent":      sent,
			"published": published,
		},
	})
}

