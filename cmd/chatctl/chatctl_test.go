package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ashureev/parley/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newRepo(t *testing.T) store.Repository {
	t.Helper()
	hashCost = bcrypt.MinCost
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestIssueToken_ChecksPassword(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	_, err := createUser(ctx, repo, "alice", "s3cret")
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, issueToken(ctx, repo, &out, "alice", "s3cret"))
	key := strings.TrimSpace(out.String())
	assert.Len(t, key, 40)

	u, err := repo.UserByToken(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "alice", u.Username)

	assert.ErrorIs(t, issueToken(ctx, repo, &out, "alice", "wrong"), errBadCredentials)
	assert.ErrorIs(t, issueToken(ctx, repo, &out, "nobody", "s3cret"), errBadCredentials)
}

func TestCreateChat_ReusesDirect(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b"} {
		_, err := createUser(ctx, repo, name, "pw")
		require.NoError(t, err)
	}

	var out bytes.Buffer
	require.NoError(t, createChat(ctx, repo, &out, "a", []string{"b"}, "", false))
	require.NoError(t, createChat(ctx, repo, &out, "b", []string{"a"}, "", false))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "created chat"))
	assert.True(t, strings.HasPrefix(lines[1], "existing chat"))

	assert.Error(t, createChat(ctx, repo, &out, "a", []string{"ghost"}, "", false))
}

func TestSeed_Idempotent(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, seed(ctx, repo, &out, 3))
	first := out.String()
	assert.Equal(t, 3, strings.Count(first, "\n"))

	out.Reset()
	require.NoError(t, seed(ctx, repo, &out, 3))
	assert.Equal(t, first, out.String())

	u, err := repo.GetUserByUsername(ctx, "user1")
	require.NoError(t, err)
	ids, err := repo.ListChatIDsForUser(ctx, u.ID)
	require.NoError(t, err)
	// One group chat plus two direct chats.
	assert.Len(t, ids, 3)
}
