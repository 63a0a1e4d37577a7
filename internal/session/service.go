// Package session keeps one conversation state slot per browser tab and
// runs exchanges against the remote assistant on its behalf.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/science-tutor/internal/assistant"
	"github.com/ashureev/science-tutor/internal/domain"
	"github.com/ashureev/science-tutor/internal/store"
)

// ErrExchangeInFlight is returned when a session already has a run being polled.
var ErrExchangeInFlight = errors.New("an exchange is already in flight for this session")

// Runner executes one run and streams its progress.
type Runner interface {
	ExecuteAndStream(ctx context.Context, threadID, assistantID string, slot assistant.Slot) (assistant.Result, error)
}

// Ensure the poller satisfies Runner.
var _ Runner = (*assistant.Poller)(nil)

// State is the session record handed to the UI.
type State struct {
	Session *domain.ChatSession
	History []domain.Message
}

// ExchangeResult is the outcome of one question/answer cycle.
type ExchangeResult struct {
	ThreadID string
	RunID    string
	Status   assistant.RunStatus
	Text     string
	Reply    *domain.Message
}

// Service manages session state and exchanges.
type Service struct {
	repo        store.Repository
	client      assistant.Client
	runner      Runner
	assistantID string
	logger      *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewService creates a session service.
func NewService(repo store.Repository, client assistant.Client, runner Runner, assistantID string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		client:      client,
		runner:      runner,
		assistantID: assistantID,
		logger:      logger,
		inflight:    make(map[string]struct{}),
	}
}

// AssistantID returns the assistant every exchange runs against.
func (s *Service) AssistantID() string {
	return s.assistantID
}

func sessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// Get returns the session record, creating it on first use.
func (s *Service) Get(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error) {
	sess, err := s.repo.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess != nil {
		return sess, nil
	}

	now := time.Now()
	if err := s.repo.CreateSession(ctx, &domain.ChatSession{
		UserID:    userID,
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.logger.Info("Session created", "user_id", userID, "session_id", sessionID)

	// Re-read so a concurrent creator's row wins consistently.
	sess, err = s.repo.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, store.ErrSessionNotFound
	}
	return sess, nil
}

// State returns the session record with its render buffer.
func (s *Service) State(ctx context.Context, userID, sessionID string) (*State, error) {
	sess, err := s.Get(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	history, err := s.History(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return &State{Session: sess, History: history}, nil
}

// History returns the render buffer in append order. Unknown sessions
// have an empty history.
func (s *Service) History(ctx context.Context, userID, sessionID string) ([]domain.Message, error) {
	history, err := s.repo.ListMessages(ctx, userID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return history, nil
}

// EnsureThread returns the session with its remote thread, creating the
// thread on first use.
func (s *Service) EnsureThread(ctx context.Context, userID, sessionID string) (*domain.ChatSession, error) {
	sess, err := s.Get(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.HasThread() {
		return sess, nil
	}

	thread, err := s.client.CreateThread(ctx)
	if err != nil {
		return nil, err
	}

	err = s.repo.SetThreadID(ctx, userID, sessionID, thread.ID)
	switch {
	case err == nil:
		sess.ThreadID = thread.ID
		s.logger.Info("Thread created", "user_id", userID, "session_id", sessionID, "thread_id", thread.ID)
		return sess, nil
	case errors.Is(err, store.ErrThreadAlreadySet):
		s.logger.Warn("Discarding thread created by losing request", "user_id", userID, "session_id", sessionID, "thread_id", thread.ID)
		return s.Get(ctx, userID, sessionID)
	default:
		return nil, fmt.Errorf("bind thread: %w", err)
	}
}

// acquire takes the session's in-flight slot. The returned func releases it.
func (s *Service) acquire(userID, sessionID string) (func(), error) {
	key := sessionKey(userID, sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[key]; busy {
		return nil, ErrExchangeInFlight
	}
	s.inflight[key] = struct{}{}
	return func() {
		s.mu.Lock()
		delete(s.inflight, key)
		s.mu.Unlock()
	}, nil
}

// Busy reports whether the session has an exchange in flight.
func (s *Service) Busy(userID, sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[sessionKey(userID, sessionID)]
	return ok
}

// Exchange sends text as the user's next turn and waits for the reply,
// streaming progress into slot. The user turn is recorded before the run
// starts and the assistant turn after it ends, even when the run failed
// and the reply is partial or empty.
//
// Only transport faults, cancellation and ErrExchangeInFlight are errors.
func (s *Service) Exchange(ctx context.Context, userID, sessionID, text string, slot assistant.Slot) (*ExchangeResult, error) {
	release, err := s.acquire(userID, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := s.EnsureThread(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("user_id", userID, "session_id", sessionID, "thread_id", sess.ThreadID)

	if _, err := s.repo.AppendMessage(ctx, userID, sessionID, domain.RoleUser, text); err != nil {
		return nil, fmt.Errorf("record user turn: %w", err)
	}
	if _, err := s.client.AddMessage(ctx, sess.ThreadID, domain.RoleUser, text); err != nil {
		return nil, err
	}

	res, err := s.runner.ExecuteAndStream(ctx, sess.ThreadID, s.assistantID, slot)
	if err != nil {
		logger.Error("Exchange aborted", "error", err, "run_id", res.RunID)
		return nil, err
	}

	// The caller's context may be gone by now; the reply still belongs in
	// the buffer.
	reply, err := s.repo.AppendMessage(context.WithoutCancel(ctx), userID, sessionID, domain.RoleAssistant, res.Text)
	if err != nil {
		return nil, fmt.Errorf("record assistant turn: %w", err)
	}

	logger.Info("Exchange finished", "run_id", res.RunID, "status", res.Status, "text_length", len(res.Text))
	return &ExchangeResult{
		ThreadID: sess.ThreadID,
		RunID:    res.RunID,
		Status:   res.Status,
		Text:     res.Text,
		Reply:    reply,
	}, nil
}

// Reset forgets the session's thread and history. The next exchange
// starts a fresh conversation.
func (s *Service) Reset(ctx context.Context, userID, sessionID string) error {
	release, err := s.acquire(userID, sessionID)
	if err != nil {
		return err
	}
	defer release()

	if err := s.repo.DeleteSession(ctx, userID, sessionID); err != nil {
		return err
	}
	s.logger.Info("Session reset", "user_id", userID, "session_id", sessionID)
	return nil
}
