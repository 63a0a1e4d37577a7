package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/science-tutor/internal/config"
	"github.com/ashureev/science-tutor/internal/identity"
	"github.com/ashureev/science-tutor/internal/render"
	"github.com/ashureev/science-tutor/internal/session"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20 // 1MB

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// exchange describes one question as received by a transport.
type exchange struct {
	userID    string
	sessionID string
	text      string
	channel   string
	requestID string
}

// Handler serves the streaming chat endpoints.
type Handler struct {
	sessions    *session.Service
	renderer    *render.Renderer
	rateLimiter *RateLimiter
	registry    *ConnectionRegistry
	log         ConversationLogger
	cfg         *config.Config
}

// NewHandler creates a chat handler. cfg may be nil, in which case
// defaults apply.
func NewHandler(sessions *session.Service, renderer *render.Renderer, registry *ConnectionRegistry, conversationLogger ConversationLogger, cfg *config.Config) *Handler {
	if conversationLogger == nil {
		conversationLogger = noopConversationLogger{}
	}
	if renderer == nil {
		renderer = render.New()
	}
	if registry == nil {
		registry = NewConnectionRegistry()
	}

	rateLimitRequests := 10
	rateLimitWindow := time.Minute
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
	}

	return &Handler{
		sessions:    sessions,
		renderer:    renderer,
		rateLimiter: NewRateLimiter(rateLimitRequests, rateLimitWindow),
		registry:    registry,
		log:         conversationLogger,
		cfg:         cfg,
	}
}

// RegisterRoutes registers the chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/chat", h.HandleChat)
	r.Get("/ws/chat", h.HandleWebSocket)
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
	if err := h.log.Close(); err != nil {
		slog.Warn("failed to close conversation logger", "error", err)
	}
}

func (h *Handler) maxBodySize() int64 {
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		return h.cfg.SSE.MaxRequestBodySize
	}
	return defaultMaxRequestBodySize
}

func (h *Handler) keepaliveInterval() time.Duration {
	if h.cfg != nil && h.cfg.SSE.KeepaliveInterval > 0 {
		return h.cfg.SSE.KeepaliveInterval
	}
	return 10 * time.Second
}

// HandleChat handles POST /api/chat and streams the exchange as SSE.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	if !h.rateLimiter.Allow(userID) {
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize())
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, `{"error": "request body too large"}`, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}

	text := strings.TrimSpace(req.Message)
	if text == "" {
		http.Error(w, `{"error": "message is required"}`, http.StatusBadRequest)
		return
	}

	if h.sessions.Busy(userID, sessionID) {
		http.Error(w, `{"error": "exchange_in_flight"}`, http.StatusConflict)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	// Resolve the thread before committing to a stream so a dead remote
	// service is reported with a status code.
	sess, err := h.sessions.EnsureThread(r.Context(), userID, sessionID)
	if err != nil {
		slog.Error("Failed to prepare thread", "error", err, "user_id", userID, "session_id", sessionID)
		data, _ := json.Marshal(map[string]string{"error": describeFault(err)})
		http.Error(w, string(data), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sw := &sseWriter{w: w, flusher: flusher}
	stopKeepalive := sw.keepalive(h.keepaliveInterval())
	defer stopKeepalive()

	h.stream(r.Context(), exchange{
		userID:    userID,
		sessionID: sessionID,
		text:      text,
		channel:   ChannelHTTP,
		requestID: chiMiddleware.GetReqID(r.Context()),
	}, sess.ThreadID, sw.emit)
}

// stream runs one exchange and reports it through emit: a start event,
// the poller's slot updates, then either done or a fatal error.
func (h *Handler) stream(ctx context.Context, ex exchange, threadID string, emit emitFunc) {
	exchangeID := uuid.NewString()
	slot := newStreamSlot(exchangeID, emit)

	slog.Info("Chat request",
		"user_id", ex.userID,
		"session_id", ex.sessionID,
		"thread_id", threadID,
		"exchange_id", exchangeID,
		"channel", ex.channel,
		"message_length", len(ex.text),
	)
	h.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     ex.userID,
		SessionID:  ex.sessionID,
		Channel:    ex.channel,
		Direction:  "outbound",
		EventType:  LogUserMessage,
		ContentRaw: ex.text,
		Meta: map[string]any{
			"request_id":  ex.requestID,
			"exchange_id": exchangeID,
			"thread_id":   threadID,
		},
	})

	slot.send(Event{Type: EventStart, ThreadID: threadID})

	res, err := h.sessions.Exchange(ctx, ex.userID, ex.sessionID, ex.text, slot)
	if err != nil {
		h.logAssistantMessage(ex, exchangeID, "", "", "", err)
		switch {
		case errors.Is(err, session.ErrExchangeInFlight):
			slot.send(Event{Type: EventError, Text: "Another question is still being answered.", Fatal: true})
		case ctx.Err() != nil:
			slot.send(Event{Type: EventError, Text: "Request cancelled.", Fatal: true})
		default:
			slog.Error("Chat exchange failed", "error", err, "user_id", ex.userID, "session_id", ex.sessionID)
			slot.send(Event{Type: EventError, Text: describeFault(err), Fatal: true})
		}
		return
	}

	h.logAssistantMessage(ex, exchangeID, res.RunID, string(res.Status), res.Text, nil)
	slot.send(Event{
		Type:     EventDone,
		ThreadID: res.ThreadID,
		Status:   string(res.Status),
		Text:     res.Text,
		HTML:     h.renderer.HTML(res.Text),
	})
}

func (h *Handler) logAssistantMessage(ex exchange, exchangeID, runID, status, content string, streamErr error) {
	errMsg := ""
	if streamErr != nil {
		errMsg = streamErr.Error()
	}
	h.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     ex.userID,
		SessionID:  ex.sessionID,
		Channel:    ex.channel,
		Direction:  "inbound",
		EventType:  LogAssistantMessage,
		ContentRaw: content,
		Meta: map[string]any{
			"request_id":   ex.requestID,
			"exchange_id":  exchangeID,
			"run_id":       runID,
			"status":       status,
			"stream_error": errMsg,
		},
	})
}

// sseWriter serializes event and keepalive writes on one response.
type sseWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	nextID  int64
}

func (s *sseWriter) emit(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	if err := writeSSEWithID(s.w, s.nextID, e.Type, string(data)); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// keepalive writes an SSE comment every interval until the returned func
// is called.
func (s *sseWriter) keepalive(interval time.Duration) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.mu.Lock()
				_, err := io.WriteString(s.w, ": keepalive\n\n")
				if err == nil {
					s.flusher.Flush()
				}
				s.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
