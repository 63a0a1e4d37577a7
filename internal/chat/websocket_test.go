package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/science-tutor/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialChat(t *testing.T, h *Handler, userID, sessionID string) (*websocket.Conn, context.Context) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleWebSocket(w, r.WithContext(identity.WithIdentity(r.Context(), userID, sessionID)))
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, stop func(Event) bool) []Event {
	t.Helper()
	var events []Event
	for {
		var e Event
		require.NoError(t, wsjson.Read(ctx, conn, &e))
		events = append(events, e)
		if stop(e) {
			return events
		}
	}
}

func TestWebSocketExchange(t *testing.T) {
	h, _ := newTestHandler(t, completingAssistant(), testConfig())
	conn, ctx := dialChat(t, h, "u1", "tab-1")

	require.NoError(t, wsjson.Write(ctx, conn, wsMessage{Type: "chat", Content: "Why does iron rust?"}))
	events := readUntil(t, ctx, conn, func(e Event) bool { return e.Type == EventDone || e.Fatal })

	assert.Equal(t, EventStart, events[0].Type)
	last := events[len(events)-1]
	assert.Equal(t, EventDone, last.Type)
	assert.Equal(t, "completed", last.Status)
	assert.Contains(t, last.HTML, "<strong>")
	assert.Equal(t, 1, h.registry.Count())
}

func TestWebSocketPingAndValidation(t *testing.T) {
	h, _ := newTestHandler(t, completingAssistant(), testConfig())
	conn, ctx := dialChat(t, h, "u1", "tab-1")

	require.NoError(t, wsjson.Write(ctx, conn, wsMessage{Type: "ping"}))
	events := readUntil(t, ctx, conn, func(Event) bool { return true })
	assert.Equal(t, EventPong, events[0].Type)

	require.NoError(t, wsjson.Write(ctx, conn, wsMessage{Type: "chat", Content: "  "}))
	events = readUntil(t, ctx, conn, func(Event) bool { return true })
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, "message is required", events[0].Text)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not json")))
	events = readUntil(t, ctx, conn, func(Event) bool { return true })
	assert.Equal(t, "invalid message", events[0].Text)
}

func TestWebSocketCancelEndsExchange(t *testing.T) {
	client := completingAssistant()
	client.block = make(chan struct{})
	defer close(client.block)
	h, svc := newTestHandler(t, client, testConfig())
	conn, ctx := dialChat(t, h, "u1", "tab-1")

	require.NoError(t, wsjson.Write(ctx, conn, wsMessage{Type: "chat", Content: "q"}))
	readUntil(t, ctx, conn, func(e Event) bool { return e.Type == EventStart })

	require.NoError(t, wsjson.Write(ctx, conn, wsMessage{Type: "chat", Content: "again"}))
	events := readUntil(t, ctx, conn, func(e Event) bool { return e.Type == EventError })
	assert.Contains(t, events[len(events)-1].Text, "still being answered")

	require.NoError(t, wsjson.Write(ctx, conn, wsMessage{Type: "cancel"}))
	events = readUntil(t, ctx, conn, func(e Event) bool { return e.Fatal })
	assert.Equal(t, "Request cancelled.", events[len(events)-1].Text)

	require.Eventually(t, func() bool { return !svc.Busy("u1", "tab-1") }, 2*time.Second, 5*time.Millisecond)
}
