package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/science-tutor/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const wsWriteTimeout = 10 * time.Second

// wsMessage is a frame sent by the page.
type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// wsConn runs one page connection. At most one exchange is active on it.
type wsConn struct {
	h         *Handler
	ws        *websocket.Conn
	userID    string
	sessionID string
	requestID string

	mu             sync.Mutex
	cancelExchange context.CancelFunc
	wg             sync.WaitGroup
}

// HandleWebSocket handles GET /ws/chat.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	slog.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()
	ws.SetReadLimit(h.maxBodySize())

	h.registry.Register(userID, sessionID, ws)
	defer h.registry.Unregister(userID, sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{
		h:         h,
		ws:        ws,
		userID:    userID,
		sessionID: sessionID,
		requestID: chiMiddleware.GetReqID(r.Context()),
	}
	c.readLoop(ctx)

	cancel()
	c.wg.Wait()
	slog.Info("Chat connection ended", "user_id", userID, "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg == nil || h.cfg.IsDevelopment() {
		return true
	}
	origin := r.Header.Get("Origin")
	allowed := h.cfg.FrontendURL
	if origin == "" || allowed == "*" || origin == allowed {
		return true
	}
	// Same-origin pages served by this process.
	if strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://") == r.Host {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", allowed)
	return false
}

func (c *wsConn) emit(ctx context.Context) emitFunc {
	return func(e Event) error {
		writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		return wsjson.Write(writeCtx, c.ws, e)
	}
}

func (c *wsConn) readLoop(ctx context.Context) {
	send := c.emit(ctx)
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed", "user_id", c.userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", c.userID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = send(Event{Type: EventError, Text: "invalid message"})
			continue
		}

		switch msg.Type {
		case "chat":
			c.startExchange(ctx, msg.Content, send)
		case "cancel":
			c.mu.Lock()
			if c.cancelExchange != nil {
				c.cancelExchange()
			}
			c.mu.Unlock()
		case "ping":
			if err := send(Event{Type: EventPong}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		default:
			slog.Debug("Unknown WebSocket message", "type", msg.Type, "user_id", c.userID)
		}
	}
}

// startExchange validates a chat frame and runs the exchange in the
// background so cancel frames can still be read.
func (c *wsConn) startExchange(ctx context.Context, content string, send emitFunc) {
	text := strings.TrimSpace(content)
	if text == "" {
		_ = send(Event{Type: EventError, Text: "message is required"})
		return
	}
	if !c.h.rateLimiter.Allow(c.userID) {
		_ = send(Event{Type: EventError, Text: "rate limit exceeded"})
		return
	}

	c.mu.Lock()
	if c.cancelExchange != nil || c.h.sessions.Busy(c.userID, c.sessionID) {
		c.mu.Unlock()
		_ = send(Event{Type: EventError, Text: "Another question is still being answered."})
		return
	}
	exCtx, cancel := context.WithCancel(ctx)
	c.cancelExchange = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			c.cancelExchange = nil
			c.mu.Unlock()
			cancel()
		}()

		sess, err := c.h.sessions.EnsureThread(exCtx, c.userID, c.sessionID)
		if err != nil {
			slog.Error("Failed to prepare thread", "error", err, "user_id", c.userID, "session_id", c.sessionID)
			_ = send(Event{Type: EventError, Text: describeFault(err), Fatal: true})
			return
		}
		// Writes use the connection context so the final event of a
		// cancelled exchange still reaches the page.
		c.h.stream(exCtx, exchange{
			userID:    c.userID,
			sessionID: c.sessionID,
			text:      text,
			channel:   ChannelWebSocket,
			requestID: c.requestID,
		}, sess.ThreadID, send)
	}()
}
