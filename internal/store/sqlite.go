package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/science-tutor/internal/domain"
	"github.com/ashureev/science-tutor/internal/shared"
	_ "modernc.org/sqlite"
)

// MemoryPath selects a process-local database that vanishes on exit.
const MemoryPath = ":memory:"

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	appendMu sync.Mutex // serializes seq allocation in AppendMessage

	maxRetries int
	retryDelay time.Duration
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithRetry sets how often busy or locked writes are retried and the
// base delay of the exponential backoff between attempts.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(s *SQLiteStore) {
		if maxRetries > 0 {
			s.maxRetries = maxRetries
		}
		if baseDelay > 0 {
			s.retryDelay = baseDelay
		}
	}
}

// NewSQLite creates a new SQLite-backed repository. Only MemoryPath is
// accepted: history lives as long as the process and no longer.
func NewSQLite(dbPath string, opts ...Option) (Repository, error) {
	return newSQLite(dbPath, opts...)
}

func newSQLite(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if dbPath != MemoryPath {
		return nil, fmt.Errorf("%w: %q", ErrPersistentPath, dbPath)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to :memory: is a separate database, so keep
	// exactly one alive forever.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, maxRetries: 3, retryDelay: 50 * time.Millisecond}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA foreign_keys = ON;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_users_last_seen ON users(last_seen_at);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		thread_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_updated ON chat_sessions(updated_at);

	CREATE TABLE IF NOT EXISTS chat_messages (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id, seq),
		FOREIGN KEY (user_id, session_id) REFERENCES chat_sessions(user_id, session_id) ON DELETE CASCADE
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
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	return s.exec(ctx, "upsert user", query,
		user.UserID, user.Username, user.LastSeenAt.Unix(),
		user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}
	return nil
}

// GetSession retrieves a chat session, or nil if it does not exist.
func (s *SQLiteStore) GetSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error) {
	query := `
		SELECT user_id, session_id, thread_id, created_at, updated_at
		FROM chat_sessions WHERE user_id = ? AND session_id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, userID, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.ChatSession, error) {
	var session domain.ChatSession
	var threadID sql.NullString
	var createdAt, updatedAt int64
	if err := row.Scan(&session.UserID, &session.SessionID, &threadID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	session.ThreadID = threadID.String
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	return &session, nil
}

// CreateSession inserts a chat session if it does not exist yet.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.ChatSession) error {
	query := `
	INSERT INTO chat_sessions (user_id, session_id, thread_id, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id, session_id) DO NOTHING`

	var threadID interface{}
	if session.ThreadID != "" {
		threadID = session.ThreadID
	}

	return s.exec(ctx, "create session", query,
		session.UserID, session.SessionID, threadID,
		session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
	)
}

// SetThreadID binds the remote thread to a session that has none yet.
func (s *SQLiteStore) SetThreadID(ctx context.Context, userID, sessionID, threadID string) error {
	query := `
		UPDATE chat_sessions SET thread_id = ?, updated_at = ?
		WHERE user_id = ? AND session_id = ? AND (thread_id IS NULL OR thread_id = '')`

	var rows int64
	err := shared.RetryOnConflict(ctx, s.maxRetries, s.retryDelay, func() error {
		result, err := s.db.ExecContext(ctx, query, threadID, time.Now().Unix(), userID, sessionID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("set thread_id: %w", err)
	}
	if rows > 0 {
		return nil
	}

	existing, err := s.GetSession(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrSessionNotFound
	}
	slog.Warn("SetThreadID lost race", "user_id", userID, "session_id", sessionID, "thread_id", existing.ThreadID)
	return ErrThreadAlreadySet
}

// AppendMessage adds a message to the end of the session's render buffer.
func (s *SQLiteStore) AppendMessage(ctx context.Context, userID, sessionID, role, content string) (*domain.Message, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	now := time.Now()
	msg := &domain.Message{Role: role, Content: content, CreatedAt: time.Unix(now.Unix(), 0)}

	err := shared.RetryOnConflict(ctx, s.maxRetries, s.retryDelay, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back append", "error", rbErr)
			}
		}()

		result, err := tx.ExecContext(ctx,
			`UPDATE chat_sessions SET updated_at = ? WHERE user_id = ? AND session_id = ?`,
			now.Unix(), userID, sessionID)
		if err != nil {
			return err
		}
		if n, err := result.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrSessionNotFound
		}

		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) + 1 FROM chat_messages WHERE user_id = ? AND session_id = ?`,
			userID, sessionID).Scan(&msg.Seq); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_messages (user_id, session_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			userID, sessionID, msg.Seq, role, content, now.Unix()); err != nil {
			return err
		}
		return tx.Commit()
	})
	if errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the render buffer in append order.
func (s *SQLiteStore) ListMessages(ctx context.Context, userID, sessionID string) ([]domain.Message, error) {
	query := `
		SELECT seq, role, content, created_at FROM chat_messages
		WHERE user_id = ? AND session_id = ? ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	messages := []domain.Message{}
	for rows.Next() {
		var msg domain.Message
		var createdAt int64
		if err := rows.Scan(&msg.Seq, &msg.Role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.CreatedAt = time.Unix(createdAt, 0)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// DeleteSession removes a session and its render buffer.
func (s *SQLiteStore) DeleteSession(ctx context.Context, userID, sessionID string) error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	err := shared.RetryOnConflict(ctx, s.maxRetries, s.retryDelay, func() error {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM chat_messages WHERE user_id = ? AND session_id = ?`, userID, sessionID); err != nil {
			return err
		}
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM chat_sessions WHERE user_id = ? AND session_id = ?`, userID, sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete session %s/%s after %d attempts: %w", userID, sessionID, s.maxRetries, err)
	}
	return nil
}

// GetIdleSessions retrieves sessions not updated within ttl.
func (s *SQLiteStore) GetIdleSessions(ctx context.Context, ttl time.Duration) ([]*domain.ChatSession, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `
		SELECT user_id, session_id, thread_id, created_at, updated_at
		FROM chat_sessions WHERE updated_at < ?`

	rows, err := s.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query idle sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close idle sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.ChatSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan idle session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate idle sessions: %w", err)
	}
	return sessions, nil
}

// DeleteIdleUsers removes users not seen within ttl that own no sessions.
func (s *SQLiteStore) DeleteIdleUsers(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `
		DELETE FROM users WHERE last_seen_at < ?
		AND NOT EXISTS (SELECT 1 FROM chat_sessions cs WHERE cs.user_id = users.user_id)`

	result, err := s.db.ExecContext(ctx, query, threshold)
	if err != nil {
		return 0, fmt.Errorf("delete idle users: %w", err)
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) error {
	err := shared.RetryOnConflict(ctx, s.maxRetries, s.retryDelay, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
