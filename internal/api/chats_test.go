package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/parley/internal/broadcast"
	"github.com/ashureev/parley/internal/chat"
	"github.com/ashureev/parley/internal/domain"
	"github.com/ashureev/parley/internal/identity"
	"github.com/ashureev/parley/internal/session"
	"github.com/ashureev/parley/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiFixture struct {
	srv    *httptest.Server
	repo   store.Repository
	reg    *broadcast.Registry
	users  map[string]*domain.User
	tokens map[string]string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	f := &apiFixture{repo: repo, reg: broadcast.NewRegistry(), users: map[string]*domain.User{}, tokens: map[string]string{}}
	for _, name := range []string{"alice", "bob", "carol"} {
		u, err := repo.CreateUser(context.Background(), name, "")
		require.NoError(t, err)
		key, err := repo.IssueToken(context.Background(), u.ID)
		require.NoError(t, err)
		f.users[name] = u
		f.tokens[name] = key
	}

	svc := chat.NewService(repo, broadcast.NewLocalBus(f.reg), chat.Options{EchoToSender: true})
	base := NewHandler(repo, svc, session.NewManager(f.reg), f.reg)
	resolver := identity.NewResolver(repo, time.Second)

	r := chi.NewRouter()
	NewHealthHandler(repo, time.Second).RegisterHealth(r)
	r.Route("/api", func(r chi.Router) {
		r.Use(identity.Middleware(resolver))
		NewChatHandler(base).RegisterRoutes(r)
	})
	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *apiFixture) do(t *testing.T, user, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("Authorization", "Token "+f.tokens[user])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (f *apiFixture) createChat(t *testing.T, user string, others ...string) domain.Chat {
	t.Helper()
	ids := []int64{}
	for _, o := range others {
		ids = append(ids, f.users[o].ID)
	}
	code, body := f.do(t, user, http.MethodPost, "/api/chats", map[string]any{"participants": ids})
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, code, string(body))
	var c domain.Chat
	require.NoError(t, json.Unmarshal(body, &c))
	return c
}

func TestAPI_RequiresToken(t *testing.T) {
	f := newAPIFixture(t)
	code, _ := f.do(t, "", http.MethodGet, "/api/me", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body := f.do(t, "alice", http.MethodGet, "/api/me", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, fmt.Sprintf(`{"id":%d,"username":"alice"}`, f.users["alice"].ID), string(body))
}

func TestAPI_CreateChatDirectDedup(t *testing.T) {
	f := newAPIFixture(t)
	bob := f.users["bob"].ID

	code, body := f.do(t, "alice", http.MethodPost, "/api/chats", map[string]any{"participants": []int64{bob}})
	require.Equal(t, http.StatusCreated, code, string(body))
	var first domain.Chat
	require.NoError(t, json.Unmarshal(body, &first))
	assert.False(t, first.IsGroup)

	code, body = f.do(t, "bob", http.MethodPost, "/api/chats",
		map[string]any{"participants": []int64{f.users["alice"].ID, bob, f.users["alice"].ID}})
	require.Equal(t, http.StatusOK, code, string(body))
	var second domain.Chat
	require.NoError(t, json.Unmarshal(body, &second))
	assert.Equal(t, first.ID, second.ID)
}

func TestAPI_CreateChatValidation(t *testing.T) {
	f := newAPIFixture(t)

	code, _ := f.do(t, "alice", http.MethodPost, "/api/chats", map[string]any{"participants": []int64{}})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, "alice", http.MethodPost, "/api/chats", map[string]any{"participants": []int64{f.users["alice"].ID}})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, "alice", http.MethodPost, "/api/chats", map[string]any{"participants": []int64{9999}})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := f.do(t, "alice", http.MethodPost, "/api/chats",
		map[string]any{"participants": []int64{f.users["bob"].ID, f.users["carol"].ID}, "title": "team"})
	require.Equal(t, http.StatusCreated, code)
	var g domain.Chat
	require.NoError(t, json.Unmarshal(body, &g))
	assert.True(t, g.IsGroup)
	assert.Equal(t, "team", g.Title)
	assert.Len(t, g.Participants, 3)
}

func TestAPI_SendReadAndUnread(t *testing.T) {
	f := newAPIFixture(t)
	c := f.createChat(t, "alice", "bob")
	path := fmt.Sprintf("/api/chats/%d", c.ID)

	code, _ := f.do(t, "bob", http.MethodPost, path+"/mark_as_read", nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, body := f.do(t, "alice", http.MethodPost, path+"/send_message", map[string]string{"content": "hi"})
	require.Equal(t, http.StatusCreated, code, string(body))
	var msg domain.Message
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, "alice", msg.Sender.Username)

	code, body = f.do(t, "bob", http.MethodGet, "/api/chats", nil)
	require.Equal(t, http.StatusOK, code)
	var list []domain.ChatSummary
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].UnreadCount)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, msg.ID, list[0].LastMessage.ID)

	code, body = f.do(t, "bob", http.MethodPost, path+"/mark_as_read", nil)
	require.Equal(t, http.StatusOK, code)
	var marked struct {
		LastReadMessageID int64 `json:"last_read_message_id"`
	}
	require.NoError(t, json.Unmarshal(body, &marked))
	assert.Equal(t, msg.ID, marked.LastReadMessageID)

	code, body = f.do(t, "bob", http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, code)
	var detail domain.ChatDetail
	require.NoError(t, json.Unmarshal(body, &detail))
	assert.Equal(t, 0, detail.UnreadCount)
	assert.Len(t, detail.Messages, 1)
}

func TestAPI_NonParticipantGets404(t *testing.T) {
	f := newAPIFixture(t)
	c := f.createChat(t, "alice", "bob")
	path := fmt.Sprintf("/api/chats/%d", c.ID)

	for _, tc := range []struct {
		method, path string
		body         any
	}{
		{http.MethodGet, path, nil},
		{http.MethodGet, path + "/messages", nil},
		{http.MethodPost, path + "/mark_as_read", nil},
		{http.MethodPost, path + "/send_message", map[string]string{"content": "x"}},
	} {
		code, _ := f.do(t, "carol", tc.method, tc.path, tc.body)
		assert.Equal(t, http.StatusNotFound, code, tc.method+" "+tc.path)
	}

	msgs, err := f.repo.ListMessages(context.Background(), c.ID, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAPI_MessagesPagination(t *testing.T) {
	f := newAPIFixture(t)
	c := f.createChat(t, "alice", "bob")
	path := fmt.Sprintf("/api/chats/%d", c.ID)
	for i := 0; i < 5; i++ {
		code, _ := f.do(t, "alice", http.MethodPost, path+"/send_message", map[string]string{"content": fmt.Sprint(i)})
		require.Equal(t, http.StatusCreated, code)
	}

	code, body := f.do(t, "bob", http.MethodGet, path+"/messages?limit=2", nil)
	require.Equal(t, http.StatusOK, code)
	var page []domain.Message
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page, 2)
	assert.Equal(t, "3", page[0].Content)
	assert.Equal(t, "4", page[1].Content)

	code, body = f.do(t, "bob", http.MethodGet, fmt.Sprintf("%s/messages?limit=2&before_id=%d", path, page[0].ID), nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page, 2)
	assert.Equal(t, "1", page[0].Content)

	code, _ = f.do(t, "bob", http.MethodGet, path+"/messages?limit=500", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAPI_SendMessageFansOutToLiveSubscribers(t *testing.T) {
	f := newAPIFixture(t)
	c := f.createChat(t, "alice", "bob")

	sub := &captureSub{id: "bob-live", frames: make(chan []byte, 1)}
	f.reg.Join(c.ID, sub)

	code, _ := f.do(t, "alice", http.MethodPost, fmt.Sprintf("/api/chats/%d/send_message", c.ID), map[string]string{"content": "rest"})
	require.Equal(t, http.StatusCreated, code)

	select {
	case frame := <-sub.frames:
		var ev domain.MessageEvent
		require.NoError(t, json.Unmarshal(frame, &ev))
		assert.Equal(t, "rest", ev.Message.Content)
		assert.Equal(t, "alice", ev.Sender)
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
	}
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	code, body := f.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"database":"ok"`)
}

type captureSub struct {
	id     string
	frames chan []byte
}

func (c *captureSub) ID() string { return c.id }

func (c *captureSub) Deliver(frame []byte) bool {
	select {
	case c.frames <- frame:
		return true
	default:
		return false
	}
}
