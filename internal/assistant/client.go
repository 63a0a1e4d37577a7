package assistant

import (
	"context"
)

// Client defines the operations consumed from the remote assistant service.
// This interface is implemented by the HTTP client.
type Client interface {
	// CreateThread starts a new conversation.
	CreateThread(ctx context.Context) (*Thread, error)

	// AddMessage appends a role-tagged text message to a thread.
	AddMessage(ctx context.Context, threadID, role, content string) (*Message, error)

	// CreateRun asks the assistant to reply to the thread.
	CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error)

	// GetRun retrieves the current state of a run.
	GetRun(ctx context.Context, threadID, runID string) (*Run, error)

	// CancelRun requests cancellation of an in-flight run.
	CancelRun(ctx context.Context, threadID, runID string) (*Run, error)

	// LatestMessage returns the newest message of the thread, or nil when
	// the thread has none.
	LatestMessage(ctx context.Context, threadID string) (*Message, error)
}

// Ensure HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
