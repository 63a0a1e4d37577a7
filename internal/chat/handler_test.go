package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/science-tutor/internal/assistant"
	"github.com/ashureev/science-tutor/internal/config"
	"github.com/ashureev/science-tutor/internal/identity"
	"github.com/ashureev/science-tutor/internal/session"
	"github.com/ashureev/science-tutor/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAssistant walks every run through statuses, revealing reply text
// once the run reaches in_progress.
type fakeAssistant struct {
	mu        sync.Mutex
	statuses  []assistant.RunStatus
	reply     string
	polls     int
	threadErr error
	getRunErr error
	block     chan struct{}
}

func (f *fakeAssistant) CreateThread(context.Context) (*assistant.Thread, error) {
	if f.threadErr != nil {
		return nil, f.threadErr
	}
	return &assistant.Thread{ID: "thread_1"}, nil
}

func (f *fakeAssistant) AddMessage(_ context.Context, threadID, role, content string) (*assistant.Message, error) {
	return &assistant.Message{ID: "msg_u", ThreadID: threadID, Role: role, Text: content}, nil
}

func (f *fakeAssistant) CreateRun(_ context.Context, threadID, assistantID string) (*assistant.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls = 0
	return &assistant.Run{ID: "run_1", ThreadID: threadID, AssistantID: assistantID, Status: assistant.StatusQueued}, nil
}

func (f *fakeAssistant) GetRun(ctx context.Context, threadID, runID string) (*assistant.Run, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.getRunErr != nil {
		return nil, f.getRunErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.polls
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.polls++
	return &assistant.Run{ID: runID, ThreadID: threadID, Status: f.statuses[i]}, nil
}

func (f *fakeAssistant) CancelRun(_ context.Context, threadID, runID string) (*assistant.Run, error) {
	return &assistant.Run{ID: runID, ThreadID: threadID, Status: assistant.StatusCancelled}, nil
}

func (f *fakeAssistant) LatestMessage(_ context.Context, threadID string) (*assistant.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.polls < 2 {
		return &assistant.Message{ID: "msg_u", ThreadID: threadID, Role: "user", Text: "question"}, nil
	}
	return &assistant.Message{ID: "msg_a", ThreadID: threadID, RunID: "run_1", Role: "assistant", Text: f.reply}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		RateLimit: config.RateLimitConfig{RequestsPerWindow: 100, WindowDuration: time.Minute},
		SSE:       config.SSEConfig{MaxRequestBodySize: 1 << 20, KeepaliveInterval: time.Hour},
	}
}

func newTestHandler(t *testing.T, client *fakeAssistant, cfg *config.Config) (*Handler, *session.Service) {
	t.Helper()
	repo, err := store.NewSQLite(store.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	poller := assistant.NewPoller(client, assistant.PollerConfig{Interval: time.Millisecond}, nil)
	svc := session.NewService(repo, client, poller, "asst_test", nil)
	h := NewHandler(svc, nil, nil, nil, cfg)
	t.Cleanup(h.Close)
	return h, svc
}

func completingAssistant() *fakeAssistant {
	return &fakeAssistant{
		statuses: []assistant.RunStatus{assistant.StatusQueued, assistant.StatusInProgress, assistant.StatusInProgress, assistant.StatusCompleted},
		reply:    "Salt water **speeds up** rusting.",
	}
}

func chatRequest(body string, userID, sessionID string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req = req.WithContext(identity.WithIdentity(req.Context(), userID, sessionID))
	}
	return req
}

func parseSSE(t *testing.T, body string) []Event {
	t.Helper()
	var events []Event
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var e Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
		events = append(events, e)
	}
	return events
}

func eventTypes(events []Event) []string {
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func TestHandleChatStreamsExchange(t *testing.T) {
	h, svc := newTestHandler(t, completingAssistant(), testConfig())

	w := httptest.NewRecorder()
	h.HandleChat(w, chatRequest(`{"message":"Why does iron rust faster near the sea?"}`, "u1", "tab-1"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := parseSSE(t, w.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, EventStart, events[0].Type)
	assert.Equal(t, "thread_1", events[0].ThreadID)
	assert.Contains(t, eventTypes(events), EventPartial)

	last := events[len(events)-1]
	assert.Equal(t, EventDone, last.Type)
	assert.Equal(t, "completed", last.Status)
	assert.Equal(t, "Salt water **speeds up** rusting.", last.Text)
	assert.Contains(t, last.HTML, "<strong>speeds up</strong>")
	assert.Equal(t, EventClear, events[len(events)-2].Type)

	for _, e := range events {
		assert.Equal(t, events[0].ExchangeID, e.ExchangeID)
	}

	history, err := svc.History(context.Background(), "u1", "tab-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Salt water **speeds up** rusting.", history[1].Content)
}

func TestHandleChatFailedRun(t *testing.T) {
	client := &fakeAssistant{
		statuses: []assistant.RunStatus{assistant.StatusQueued, assistant.StatusInProgress, assistant.StatusFailed},
		reply:    "Partial answer",
	}
	h, _ := newTestHandler(t, client, testConfig())

	w := httptest.NewRecorder()
	h.HandleChat(w, chatRequest(`{"message":"q"}`, "u1", "tab-1"))

	events := parseSSE(t, w.Body.String())
	require.GreaterOrEqual(t, len(events), 2)
	banner := events[len(events)-2]
	assert.Equal(t, EventError, banner.Type)
	assert.Equal(t, "Run ended with status: failed", banner.Text)
	assert.False(t, banner.Fatal)

	done := events[len(events)-1]
	assert.Equal(t, EventDone, done.Type)
	assert.Equal(t, "failed", done.Status)
	assert.Equal(t, "Partial answer", done.Text)
}

func TestHandleChatValidation(t *testing.T) {
	cfg := testConfig()
	cfg.SSE.MaxRequestBodySize = 64
	h, _ := newTestHandler(t, completingAssistant(), cfg)

	tests := []struct {
		name   string
		body   string
		userID string
		want   int
	}{
		{"no identity", `{"message":"hi"}`, "", http.StatusUnauthorized},
		{"invalid json", `{"message":`, "u1", http.StatusBadRequest},
		{"empty message", `{"message":"   "}`, "u1", http.StatusBadRequest},
		{"too large", `{"message":"` + strings.Repeat("a", 200) + `"}`, "u1", http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			h.HandleChat(w, chatRequest(tt.body, tt.userID, "tab-1"))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestHandleChatRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.RequestsPerWindow = 1
	h, _ := newTestHandler(t, completingAssistant(), cfg)

	w := httptest.NewRecorder()
	h.HandleChat(w, chatRequest(`{"message":"q"}`, "u1", "tab-1"))
	require.Equal(t, http.StatusOK, w.Code)

	// Rotating the session id does not reset the budget.
	w = httptest.NewRecorder()
	h.HandleChat(w, chatRequest(`{"message":"q"}`, "u1", "tab-2"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestHandleChatRejectsConcurrentExchange(t *testing.T) {
	client := completingAssistant()
	client.block = make(chan struct{})
	h, svc := newTestHandler(t, client, testConfig())

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.HandleChat(httptest.NewRecorder(), chatRequest(`{"message":"first"}`, "u1", "tab-1"))
	}()
	require.Eventually(t, func() bool { return svc.Busy("u1", "tab-1") }, 2*time.Second, 5*time.Millisecond)

	w := httptest.NewRecorder()
	h.HandleChat(w, chatRequest(`{"message":"second"}`, "u1", "tab-1"))
	assert.Equal(t, http.StatusConflict, w.Code)

	// Another tab of the same browser is not blocked.
	assert.False(t, svc.Busy("u1", "tab-2"))

	close(client.block)
	<-done
	assert.False(t, svc.Busy("u1", "tab-1"))
}

func TestHandleChatThreadFailure(t *testing.T) {
	client := completingAssistant()
	client.threadErr = &assistant.APIError{Status: http.StatusUnauthorized, Message: "bad key"}
	h, _ := newTestHandler(t, client, testConfig())

	w := httptest.NewRecorder()
	h.HandleChat(w, chatRequest(`{"message":"q"}`, "u1", "tab-1"))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "rejected the configured API key")
}

func TestHandleChatTransportFaultMidStream(t *testing.T) {
	client := completingAssistant()
	client.getRunErr = errors.New("connection reset by peer")
	h, svc := newTestHandler(t, client, testConfig())

	w := httptest.NewRecorder()
	h.HandleChat(w, chatRequest(`{"message":"q"}`, "u1", "tab-1"))

	require.Equal(t, http.StatusOK, w.Code)
	events := parseSSE(t, w.Body.String())
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.True(t, last.Fatal)
	assert.NotContains(t, eventTypes(events), EventDone)

	history, err := svc.History(context.Background(), "u1", "tab-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestDescribeFault(t *testing.T) {
	assert.Contains(t, describeFault(&assistant.APIError{Status: 429}), "rate limiting")
	assert.Contains(t, describeFault(&assistant.APIError{Status: 404}), "not found")
	assert.Contains(t, describeFault(errors.New("dial tcp")), "could not be reached")
}
