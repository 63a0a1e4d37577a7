package chat

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// ConnectionRegistry tracks the live WebSocket of every user/session.
type ConnectionRegistry struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// GetActive returns the active connection for a user and session.
func (m *ConnectionRegistry) GetActive(userID, sessionID string) *websocket.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Count returns the number of registered connections.
func (m *ConnectionRegistry) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}

// Register adds a connection. A previous connection for the same session
// is closed; the newest tab wins.
func (m *ConnectionRegistry) Register(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[userID]; !exists {
		m.active[userID] = make(map[string]*websocket.Conn)
	}

	if existing, exists := m.active[userID][sessionID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusPolicyViolation, "session opened elsewhere")
	}

	m.active[userID][sessionID] = conn
	slog.Info("Chat connection registered", "user_id", userID, "session_id", sessionID)
}

// Unregister removes conn if it is still the session's current connection.
func (m *ConnectionRegistry) Unregister(userID, sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessions, ok := m.active[userID]; ok {
		if current, exists := sessions[sessionID]; exists && current == conn {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(m.active, userID)
			}
			slog.Info("Chat connection unregistered", "user_id", userID, "session_id", sessionID)
		}
	}
}

// CloseSession closes the connection of one expired session.
func (m *ConnectionRegistry) CloseSession(userID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.active[userID]
	if !ok {
		return
	}
	conn, ok := sessions[sessionID]
	if !ok {
		return
	}
	_ = conn.Close(websocket.StatusGoingAway, "session expired")
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(m.active, userID)
	}
	slog.Info("Chat connection closed", "user_id", userID, "session_id", sessionID)
}

// CloseAll closes every connection. Used on shutdown.
func (m *ConnectionRegistry) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for userID, sessions := range m.active {
		for _, conn := range sessions {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(m.active, userID)
	}
}
