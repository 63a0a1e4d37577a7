package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the hosted assistant API root.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultRequestTimeout bounds a single remote call.
	DefaultRequestTimeout = 30 * time.Second

	// maxResponseSize caps how much of a response body is read.
	maxResponseSize = 4 << 20

	betaHeader = "assistants=v2"
)

// HTTPClientConfig holds configuration for the HTTP client.
type HTTPClientConfig struct {
	APIKey         string
	BaseURL        string
	RequestTimeout time.Duration
}

// HTTPClient is a Client backed by the assistant REST API.
type HTTPClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient creates a client for the assistant REST API.
func NewHTTPClient(cfg HTTPClientConfig, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	return &HTTPClient{
		apiKey:  strings.TrimSpace(cfg.APIKey),
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: logger,
	}
}

type messageContentPart struct {
	Type string `json:"type"`
	Text *struct {
		Value string `json:"value"`
	} `json:"text,omitempty"`
}

type wireMessage struct {
	ID       string               `json:"id"`
	ThreadID string               `json:"thread_id"`
	RunID    *string              `json:"run_id"`
	Role     string               `json:"role"`
	Content  []messageContentPart `json:"content"`
}

func (m *wireMessage) toMessage() *Message {
	msg := &Message{
		ID:       m.ID,
		ThreadID: m.ThreadID,
		Role:     m.Role,
	}
	if m.RunID != nil {
		msg.RunID = *m.RunID
	}
	// Only the first part counts, and only when it is text.
	if len(m.Content) > 0 && m.Content[0].Type == "text" && m.Content[0].Text != nil {
		msg.Text = m.Content[0].Text.Value
	}
	return msg
}

type messageList struct {
	Data []wireMessage `json:"data"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateThread starts a new conversation.
func (c *HTTPClient) CreateThread(ctx context.Context) (*Thread, error) {
	var thread Thread
	if err := c.do(ctx, http.MethodPost, "/threads", struct{}{}, &thread); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return &thread, nil
}

// AddMessage appends a role-tagged text message to a thread.
func (c *HTTPClient) AddMessage(ctx context.Context, threadID, role, content string) (*Message, error) {
	body := map[string]string{"role": role, "content": content}
	var msg wireMessage
	if err := c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", body, &msg); err != nil {
		return nil, fmt.Errorf("add message to thread %s: %w", threadID, err)
	}
	return msg.toMessage(), nil
}

// CreateRun asks the assistant to reply to the thread.
func (c *HTTPClient) CreateRun(ctx context.Context, threadID, assistantID string) (*Run, error) {
	body := map[string]string{"assistant_id": assistantID}
	var run Run
	if err := c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/runs", body, &run); err != nil {
		return nil, fmt.Errorf("create run on thread %s: %w", threadID, err)
	}
	return &run, nil
}

// GetRun retrieves the current state of a run.
func (c *HTTPClient) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var run Run
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID)
	if err := c.do(ctx, http.MethodGet, path, nil, &run); err != nil {
		return nil, fmt.Errorf("retrieve run %s: %w", runID, err)
	}
	return &run, nil
}

// CancelRun requests cancellation of an in-flight run.
func (c *HTTPClient) CancelRun(ctx context.Context, threadID, runID string) (*Run, error) {
	var run Run
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID) + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, &run); err != nil {
		return nil, fmt.Errorf("cancel run %s: %w", runID, err)
	}
	return &run, nil
}

// LatestMessage returns the newest message of the thread, or nil when
// the thread has none.
func (c *HTTPClient) LatestMessage(ctx context.Context, threadID string) (*Message, error) {
	var list messageList
	path := "/threads/" + url.PathEscape(threadID) + "/messages?order=desc&limit=1"
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, fmt.Errorf("list messages of thread %s: %w", threadID, err)
	}
	if len(list.Data) == 0 {
		return nil, nil
	}
	return list.Data[0].toMessage(), nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", betaHeader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close assistant response body", "error", closeErr)
		}
	}()

	c.logger.Debug("Assistant API call",
		"method", method,
		"path", req.URL.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var parsed apiErrorResponse
		if json.Unmarshal(data, &parsed) == nil && parsed.Error.Message != "" {
			apiErr.Type = parsed.Error.Type
			apiErr.Code = parsed.Error.Code
			apiErr.Message = parsed.Error.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
