// Package assistant talks to the hosted assistant service and turns its
// asynchronous runs into an incrementally rendered reply.
package assistant

import (
	"errors"
	"fmt"
)

// RunStatus is the lifecycle state of a remote run. Values outside the
// known set are kept verbatim so new server states never break polling.
type RunStatus string

const (
	StatusQueued         RunStatus = "queued"
	StatusInProgress     RunStatus = "in_progress"
	StatusRequiresAction RunStatus = "requires_action"
	StatusCompleted      RunStatus = "completed"
	StatusFailed         RunStatus = "failed"
	StatusCancelled      RunStatus = "cancelled"
	StatusExpired        RunStatus = "expired"

	// StatusTimedOut is never sent by the server. The poller reports it
	// when its attempt or time budget runs out.
	StatusTimedOut RunStatus = "timed_out"
)

// Known reports whether s is one of the statuses the poller models.
func (s RunStatus) Known() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusRequiresAction,
		StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Pending reports whether the run is still producing output.
func (s RunStatus) Pending() bool {
	return s == StatusQueued || s == StatusInProgress
}

// Terminal reports whether no further progress will happen on the run.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Thread is a server-held conversation.
type Thread struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
}

// Run is one request for the assistant to reply within a thread.
type Run struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id"`
	AssistantID string    `json:"assistant_id"`
	Status      RunStatus `json:"status"`
	LastError   *RunError `json:"last_error,omitempty"`
}

// RunError describes why a run failed, when the server says.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is a role-tagged message of a thread, reduced to its first
// text part.
type Message struct {
	ID       string
	ThreadID string
	RunID    string
	Role     string
	Text     string
}

// Result is the outcome of one ExecuteAndStream call.
type Result struct {
	RunID  string
	Status RunStatus
	Text   string
}

// Sentinel errors matched against APIError with errors.Is.
var (
	ErrUnauthorized = errors.New("assistant service rejected credentials")
	ErrNotFound     = errors.New("assistant resource not found")
	ErrRateLimited  = errors.New("assistant service rate limited")
)

// APIError is a non-2xx response from the assistant service.
type APIError struct {
	Status  int
	Type    string
	Code    string
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("assistant api error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("assistant api error (HTTP %d): %s", e.Status, e.Message)
}

// Is maps HTTP statuses onto the package sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == 401 || e.Status == 403
	case ErrNotFound:
		return e.Status == 404
	case ErrRateLimited:
		return e.Status == 429
	}
	return false
}
