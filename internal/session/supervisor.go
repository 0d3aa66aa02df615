package session

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/parley/internal/broadcast"
	"github.com/ashureev/parley/internal/identity"
	"github.com/coder/websocket"
)

// ChatLister returns the chats a user participates in.
type ChatLister interface {
	ListChatIDsForUser(ctx context.Context, userID int64) ([]int64, error)
}

// Config tunes the supervisor.
type Config struct {
	QueueSize      int
	MaxFrameBytes  int64
	StoreTimeout   time.Duration
	AllowedOrigins []string
}

// Supervisor accepts websocket connections, authenticates them and runs a
// Session for each until the connection ends.
type Supervisor struct {
	resolver *identity.Resolver
	chats    ChatLister
	cmds     Commands
	reg      *broadcast.Registry
	mgr      *Manager
	cfg      Config
	origins  []string
}

// NewSupervisor creates the websocket handler.
func NewSupervisor(resolver *identity.Resolver, chats ChatLister, cmds Commands, reg *broadcast.Registry, mgr *Manager, cfg Config) *Supervisor {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 32 << 10
	}
	return &Supervisor{
		resolver: resolver,
		chats:    chats,
		cmds:     cmds,
		reg:      reg,
		mgr:      mgr,
		cfg:      cfg,
		origins:  originPatterns(cfg.AllowedOrigins),
	}
}

// originPatterns converts configured origins to host patterns for Accept.
func originPatterns(allowed []string) []string {
	if len(allowed) == 0 {
		return []string{"*"}
	}
	out := make([]string, 0, len(allowed))
	for _, o := range allowed {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		if o != "" {
			out = append(out, strings.TrimSuffix(o, "/"))
		}
	}
	return out
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Supervisor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := h.resolver.Resolve(r.Context(), identity.TokenFromQuery(r))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		slog.Warn("Failed to accept WebSocket", "error", err, "ip", identity.IPFromRequest(r))
		return
	}

	if id.IsAnonymous() {
		slog.Info("WebSocket rejected: unauthenticated", "ip", identity.IPFromRequest(r))
		_ = ws.Close(websocket.StatusPolicyViolation, "authentication required")
		return
	}
	ws.SetReadLimit(h.cfg.MaxFrameBytes)

	sess := newSession(id, ws, h.cfg.QueueSize)
	defer sess.leaveAll(h.reg)

	// Registered before listing so a chat created meanwhile still reaches it
	// through Manager.JoinChat.
	h.mgr.Register(sess)
	defer h.mgr.Unregister(sess)

	listCtx, cancel := context.WithTimeout(r.Context(), h.cfg.StoreTimeout)
	chatIDs, err := h.chats.ListChatIDsForUser(listCtx, id.UserID)
	cancel()
	if err != nil {
		slog.Warn("Failed to load chats for session", "user_id", id.UserID, "error", err)
		_ = ws.Close(websocket.StatusInternalError, "chats unavailable")
		return
	}

	for _, chatID := range chatIDs {
		sess.join(h.reg, chatID)
	}

	sess.logger.Info("Chat session started", "chats", len(sess.Chats()), "ip", identity.IPFromRequest(r))

	ctx := r.Context()
	sess.startWriter(ctx)
	sess.readLoop(ctx, h.cmds, h.cfg.StoreTimeout)

	sess.Close(websocket.StatusNormalClosure, "session ended")
	sess.wg.Wait()
	sess.logger.Info("Chat session ended", "chats", len(sess.Chats()))
}
