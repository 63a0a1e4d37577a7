package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/science-tutor/internal/config"
	"github.com/ashureev/science-tutor/internal/domain"
	"github.com/ashureev/science-tutor/internal/identity"
	"github.com/ashureev/science-tutor/internal/render"
	"github.com/ashureev/science-tutor/internal/session"
	"github.com/ashureev/science-tutor/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	mu          sync.Mutex
	state       *session.State
	stateErr    error
	resetErr    error
	busy        bool
	resetCalls  int
	lastSession string
}

func (f *fakeSessions) State(_ context.Context, userID, sessionID string) (*session.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSession = sessionID
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	if f.state != nil {
		return f.state, nil
	}
	return &session.State{Session: &domain.ChatSession{UserID: userID, SessionID: sessionID}}, nil
}

func (f *fakeSessions) Reset(_ context.Context, _, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls++
	f.lastSession = sessionID
	return f.resetErr
}

func (f *fakeSessions) Busy(string, string) bool { return f.busy }
func (f *fakeSessions) AssistantID() string      { return "asst_test" }

func newSessionHandler(t *testing.T, sessions Sessions, onReset ResetListener) (http.Handler, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(store.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	cfg := &config.Config{
		Poll:    config.PollConfig{Interval: 600 * time.Millisecond},
		Session: config.SessionConfig{TTL: time.Hour},
	}
	h := NewSessionHandler(NewHandler(repo, cfg), sessions, render.New(), onReset)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/me", h.GetMe)
	mux.HandleFunc("GET /api/config", h.GetConfig)
	mux.HandleFunc("GET /api/history", h.GetHistory)
	mux.HandleFunc("POST /api/reset", h.Reset)
	return identity.Middleware(repo, true)(mux), repo
}

func do(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(identity.SessionHeaderName, "tab-7")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return rr, body
}

func TestGetConfigReturnsSidebar(t *testing.T) {
	sessions := &fakeSessions{state: &session.State{Session: &domain.ChatSession{ThreadID: "thread_9"}}}
	h, _ := newSessionHandler(t, sessions, nil)

	rr, body := do(t, h, http.MethodGet, "/api/config")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "asst_test", body["assistant_id"])
	assert.Equal(t, "thread_9", body["thread_id"])
	assert.Len(t, body["tips"], len(Tips))
	assert.Equal(t, float64(600), body["poll_interval_ms"])
	assert.Equal(t, "tab-7", sessions.lastSession)
}

func TestGetHistoryRendersMarkdown(t *testing.T) {
	now := time.Now()
	sessions := &fakeSessions{state: &session.State{
		Session: &domain.ChatSession{ThreadID: "thread_1"},
		History: []domain.Message{
			{Seq: 1, Role: domain.RoleUser, Content: "What is a cell?", CreatedAt: now},
			{Seq: 2, Role: domain.RoleAssistant, Content: "The **basic unit** of life.", CreatedAt: now},
		},
	}}
	h, _ := newSessionHandler(t, sessions, nil)

	rr, body := do(t, h, http.MethodGet, "/api/history")

	require.Equal(t, http.StatusOK, rr.Code)
	messages := body["messages"].([]interface{})
	require.Len(t, messages, 2)
	reply := messages[1].(map[string]interface{})
	assert.Equal(t, "assistant", reply["role"])
	assert.Contains(t, reply["html"], "<strong>basic unit</strong>")
	assert.Equal(t, false, body["busy"])
}

func TestGetHistoryEmptySession(t *testing.T) {
	h, _ := newSessionHandler(t, &fakeSessions{}, nil)

	rr, body := do(t, h, http.MethodGet, "/api/history")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, body["messages"])
}

func TestGetHistoryStoreFailure(t *testing.T) {
	h, _ := newSessionHandler(t, &fakeSessions{stateErr: errors.New("disk gone")}, nil)

	rr, _ := do(t, h, http.MethodGet, "/api/history")

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestResetClearsCurrentSession(t *testing.T) {
	sessions := &fakeSessions{}
	var notified string
	h, _ := newSessionHandler(t, sessions, func(_, sessionID string) { notified = sessionID })

	rr, body := do(t, h, http.MethodPost, "/api/reset")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "reset", body["status"])
	assert.Equal(t, 1, sessions.resetCalls)
	assert.Equal(t, "tab-7", sessions.lastSession)
	assert.Equal(t, "tab-7", notified)
}

func TestResetWhileExchangeInFlight(t *testing.T) {
	called := false
	h, _ := newSessionHandler(t, &fakeSessions{resetErr: session.ErrExchangeInFlight}, func(string, string) { called = true })

	rr, body := do(t, h, http.MethodPost, "/api/reset")

	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "exchange_in_flight", body["error"])
	assert.False(t, called)
}

func TestGetMe(t *testing.T) {
	h, _ := newSessionHandler(t, &fakeSessions{}, nil)

	rr, body := do(t, h, http.MethodGet, "/api/me")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, body["username"], "student-")
	assert.Equal(t, "tab-7", body["session_id"])
	assert.Equal(t, float64(3600), body["session_ttl"])
}
