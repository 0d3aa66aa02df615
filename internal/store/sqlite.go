package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/parley/internal/domain"
	"github.com/ashureev/parley/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository with the default retry policy.
func NewSQLite(dbPath string) (Repository, error) {
	return NewSQLiteWithRetry(dbPath, shared.DefaultRetryPolicy)
}

// NewSQLiteWithRetry creates a new SQLite-backed repository whose writes are
// retried according to policy when the database is locked.
func NewSQLiteWithRetry(dbPath string, policy shared.RetryPolicy) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions so writers queue on
	// busy_timeout instead of failing on lock upgrade.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: policy}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_tokens (
		key TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL UNIQUE REFERENCES users(id) ON DELETE CASCADE,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL DEFAULT '',
		is_group INTEGER NOT NULL DEFAULT 0,
		direct_key TEXT UNIQUE,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_participants (
		chat_id INTEGER NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		PRIMARY KEY (chat_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_participants_user ON chat_participants(user_id);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id INTEGER NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		sender_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, id);

	CREATE TABLE IF NOT EXISTS read_receipts (
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		chat_id INTEGER NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		last_read_message_id INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, chat_id)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, retrying the whole unit on lock conflicts.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	return shared.RetryOnConflict(ctx, s.retry, op, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

// --- users and tokens ---

// CreateUser inserts a new user.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, passwordHash string) (*domain.User, error) {
	now := time.Now().UTC()
	var id int64
	err := shared.RetryOnConflict(ctx, s.retry, "create_user", func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
			username, passwordHash, now.UnixMicro())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if shared.IsSQLiteUniqueError(err) {
		return nil, fmt.Errorf("username %q: %w", username, domain.ErrAlreadyExists)
	}
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	return &domain.User{
		ID:           id,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    fromMicros(now.UnixMicro()),
	}, nil
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var user domain.User
	var createdAt int64
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	user.CreatedAt = fromMicros(createdAt)
	return &user, nil
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username))
}

// IssueToken returns the user's token, generating one if the user has none.
func (s *SQLiteStore) IssueToken(ctx context.Context, userID int64) (string, error) {
	var key string
	err := s.withTx(ctx, "issue_token", func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)`, userID).Scan(&exists); err != nil {
			return fmt.Errorf("check user: %w", err)
		}
		if !exists {
			return fmt.Errorf("user %d: %w", userID, domain.ErrNotFound)
		}

		err := tx.QueryRowContext(ctx, `SELECT key FROM auth_tokens WHERE user_id = ?`, userID).Scan(&key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("select token: %w", err)
		}

		key, err = generateTokenKey()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO auth_tokens (key, user_id, created_at) VALUES (?, ?, ?)`,
			key, userID, time.Now().UnixMicro())
		if err != nil {
			return fmt.Errorf("insert token: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// UserByToken resolves an API token to its user.
func (s *SQLiteStore) UserByToken(ctx context.Context, key string) (*domain.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.password_hash, u.created_at
		FROM auth_tokens t JOIN users u ON u.id = t.user_id
		WHERE t.key = ?`, key))
}

func generateTokenKey() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// --- chats ---

// ListChatIDsForUser returns the ids of the user's chats in ascending order.
func (s *SQLiteStore) ListChatIDsForUser(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id FROM chat_participants WHERE user_id = ? ORDER BY chat_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query chat ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chat id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getChat(ctx context.Context, q queryer, chatID int64) (*domain.Chat, error) {
	var chat domain.Chat
	var isGroup int
	var createdAt int64
	err := q.QueryRowContext(ctx,
		`SELECT id, title, is_group, created_at FROM chats WHERE id = ?`, chatID).
		Scan(&chat.ID, &chat.Title, &isGroup, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chat %d: %w", chatID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat row: %w", err)
	}
	chat.IsGroup = isGroup != 0
	chat.CreatedAt = fromMicros(createdAt)

	rows, err := q.QueryContext(ctx, `
		SELECT u.id, u.username
		FROM chat_participants p JOIN users u ON u.id = p.user_id
		WHERE p.chat_id = ? ORDER BY u.id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	chat.Participants = []domain.UserRef{}
	for rows.Next() {
		var ref domain.UserRef
		if err := rows.Scan(&ref.ID, &ref.Username); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		chat.Participants = append(chat.Participants, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return &chat, nil
}

// GetChat returns a chat with its participants.
func (s *SQLiteStore) GetChat(ctx context.Context, chatID int64) (*domain.Chat, error) {
	return getChat(ctx, s.db, chatID)
}

// IsParticipant reports chat membership.
func (s *SQLiteStore) IsParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM chat_participants WHERE chat_id = ? AND user_id = ?)`,
		chatID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return ok, nil
}

// CreateChat creates a chat, returning the existing one for a repeated direct pair.
func (s *SQLiteStore) CreateChat(ctx context.Context, n domain.NewChat) (*domain.Chat, bool, error) {
	if len(n.ParticipantIDs) < 2 {
		return nil, false, fmt.Errorf("create chat: %w", domain.ErrInvalidChat)
	}

	var chatID int64
	var created bool
	err := s.withTx(ctx, "create_chat", func(tx *sql.Tx) error {
		created = false

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(n.ParticipantIDs)), ",")
		args := make([]any, len(n.ParticipantIDs))
		for i, id := range n.ParticipantIDs {
			args[i] = id
		}
		var known int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM users WHERE id IN (`+placeholders+`)`, args...).Scan(&known); err != nil {
			return fmt.Errorf("count participants: %w", err)
		}
		if known != len(n.ParticipantIDs) {
			return fmt.Errorf("unknown participant: %w", domain.ErrInvalidChat)
		}

		var directKey any
		if key := n.DirectKey(); key != "" {
			directKey = key
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO chats (title, is_group, direct_key, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(direct_key) DO NOTHING`,
			n.Title, boolToInt(n.IsGroup), directKey, time.Now().UnixMicro())
		if err != nil {
			return fmt.Errorf("insert chat: %w", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			if err := tx.QueryRowContext(ctx,
				`SELECT id FROM chats WHERE direct_key = ?`, directKey).Scan(&chatID); err != nil {
				return fmt.Errorf("select direct chat: %w", err)
			}
			return nil
		}

		chatID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("chat id: %w", err)
		}
		for _, uid := range n.ParticipantIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO chat_participants (chat_id, user_id) VALUES (?, ?)`, chatID, uid); err != nil {
				return fmt.Errorf("insert participant: %w", err)
			}
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	chat, err := s.GetChat(ctx, chatID)
	if err != nil {
		return nil, false, err
	}
	return chat, created, nil
}

// ListChatsForUser returns summaries of the user's chats, most recent first.
func (s *SQLiteStore) ListChatsForUser(ctx context.Context, userID int64) ([]domain.ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id FROM chats c
		JOIN chat_participants p ON p.chat_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.created_at DESC, c.id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan chat id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}

	summaries := make([]domain.ChatSummary, 0, len(ids))
	for _, id := range ids {
		chat, err := s.GetChat(ctx, id)
		if err != nil {
			return nil, err
		}
		last, err := s.LatestMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		unread, err := s.UnreadCount(ctx, id, userID)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, domain.ChatSummary{Chat: *chat, LastMessage: last, UnreadCount: unread})
	}
	return summaries, nil
}

// --- messages ---

const messageColumns = `m.id, m.chat_id, m.sender_id, u.username, m.content, m.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var createdAt int64
	if err := row.Scan(&msg.ID, &msg.ChatID, &msg.Sender.ID, &msg.Sender.Username, &msg.Content, &createdAt); err != nil {
		return nil, err
	}
	msg.CreatedAt = fromMicros(createdAt)
	return &msg, nil
}

// CreateMessage stores a message and advances the sender's receipt atomically.
func (s *SQLiteStore) CreateMessage(ctx context.Context, chatID, senderID int64, content string) (*domain.Message, error) {
	var msg *domain.Message
	err := s.withTx(ctx, "create_message", func(tx *sql.Tx) error {
		var chatExists, member bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM chats WHERE id = ?),
			       EXISTS(SELECT 1 FROM chat_participants WHERE chat_id = ? AND user_id = ?)`,
			chatID, chatID, senderID).Scan(&chatExists, &member)
		if err != nil {
			return fmt.Errorf("check membership: %w", err)
		}
		if !chatExists {
			return fmt.Errorf("chat %d: %w", chatID, domain.ErrNotFound)
		}
		if !member {
			return fmt.Errorf("user %d in chat %d: %w", senderID, chatID, domain.ErrNotParticipant)
		}

		// Timestamps never go backwards within a chat even if the wall clock does.
		now := time.Now().UnixMicro()
		var lastAt int64
		err = tx.QueryRowContext(ctx,
			`SELECT created_at FROM messages WHERE chat_id = ? ORDER BY id DESC LIMIT 1`, chatID).Scan(&lastAt)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("select last timestamp: %w", err)
		}
		if lastAt > now {
			now = lastAt
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (chat_id, sender_id, content, created_at) VALUES (?, ?, ?, ?)`,
			chatID, senderID, content, now)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}

		if err := upsertReceipt(ctx, tx, chatID, senderID, id); err != nil {
			return err
		}

		msg, err = scanMessage(tx.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages m JOIN users u ON u.id = m.sender_id WHERE m.id = ?`, id))
		if err != nil {
			return fmt.Errorf("scan message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// LatestMessage returns the newest message in a chat, or nil if there is none.
func (s *SQLiteStore) LatestMessage(ctx context.Context, chatID int64) (*domain.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.chat_id = ? ORDER BY m.id DESC LIMIT 1`, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan latest message: %w", err)
	}
	return msg, nil
}

// ListMessages pages backwards through a chat's history.
func (s *SQLiteStore) ListMessages(ctx context.Context, chatID, beforeID int64, limit int) ([]domain.Message, error) {
	if beforeID <= 0 {
		beforeID = 1<<63 - 1
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE m.chat_id = ? AND m.id < ?
		ORDER BY m.id DESC LIMIT ?`, chatID, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// --- read receipts ---

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertReceipt(ctx context.Context, e execer, chatID, userID, messageID int64) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO read_receipts (user_id, chat_id, last_read_message_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, chat_id) DO UPDATE SET
			last_read_message_id = MAX(read_receipts.last_read_message_id, excluded.last_read_message_id),
			updated_at = excluded.updated_at`,
		userID, chatID, messageID, time.Now().UnixMicro())
	if err != nil {
		return fmt.Errorf("upsert read receipt: %w", err)
	}
	return nil
}

// UpsertReadReceipt advances the user's receipt in a chat.
func (s *SQLiteStore) UpsertReadReceipt(ctx context.Context, chatID, userID, messageID int64) error {
	return shared.RetryOnConflict(ctx, s.retry, "upsert_read_receipt", func() error {
		return upsertReceipt(ctx, s.db, chatID, userID, messageID)
	})
}

// GetReadReceipt returns the user's receipt for a chat, or nil.
func (s *SQLiteStore) GetReadReceipt(ctx context.Context, chatID, userID int64) (*domain.ReadReceipt, error) {
	var r domain.ReadReceipt
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, chat_id, last_read_message_id, updated_at
		FROM read_receipts WHERE chat_id = ? AND user_id = ?`, chatID, userID).
		Scan(&r.UserID, &r.ChatID, &r.LastReadMessageID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan read receipt: %w", err)
	}
	r.UpdatedAt = fromMicros(updatedAt)
	return &r, nil
}

// UnreadCount counts messages after the user's receipt, excluding their own.
func (s *SQLiteStore) UnreadCount(ctx context.Context, chatID, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE chat_id = ? AND sender_id <> ?
		  AND id > COALESCE(
		      (SELECT last_read_message_id FROM read_receipts WHERE chat_id = ? AND user_id = ?), 0)`,
		chatID, userID, chatID, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
