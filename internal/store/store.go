// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/science-tutor/internal/domain"
)

// Repository defines the interface for persisting users, chat sessions and
// their render buffers.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetSession retrieves a chat session, or nil if it does not exist.
	GetSession(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error)

	// CreateSession inserts a chat session if it does not exist yet.
	CreateSession(ctx context.Context, session *domain.ChatSession) error

	// SetThreadID binds the remote thread to a session. The update only
	// happens while the session has no thread, so a racing creator loses.
	SetThreadID(ctx context.Context, userID, sessionID, threadID string) error

	// AppendMessage adds a message to the end of the session's render buffer.
	AppendMessage(ctx context.Context, userID, sessionID, role, content string) (*domain.Message, error)

	// ListMessages returns the render buffer in append order.
	ListMessages(ctx context.Context, userID, sessionID string) ([]domain.Message, error)

	// DeleteSession removes a session and its render buffer.
	DeleteSession(ctx context.Context, userID, sessionID string) error

	// GetIdleSessions retrieves sessions not updated within ttl.
	GetIdleSessions(ctx context.Context, ttl time.Duration) ([]*domain.ChatSession, error)

	// DeleteIdleUsers removes users not seen within ttl that own no sessions.
	DeleteIdleUsers(ctx context.Context, ttl time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

var (
	// ErrSessionNotFound is returned when a session row does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrThreadAlreadySet is returned by SetThreadID when another request
	// already bound a thread to the session.
	ErrThreadAlreadySet = errors.New("session already has a thread")

	// ErrPersistentPath is returned for database paths that would outlive
	// the process.
	ErrPersistentPath = errors.New("only an in-memory database is supported")
)
