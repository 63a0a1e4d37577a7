package domain

import (
	"time"
)

// Message roles used in the render buffer.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatSession is the per-tab conversation state slot. ThreadID is empty
// until the first exchange creates the remote thread.
type ChatSession struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasThread returns true once the remote conversation has been created.
func (s *ChatSession) HasThread() bool {
	return s.ThreadID != ""
}

// Message is one entry of a session's render buffer.
type Message struct {
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
