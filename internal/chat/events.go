// Package chat streams tutor exchanges to the browser over SSE and
// WebSocket.
package chat

import (
	"errors"
	"log/slog"

	"github.com/ashureev/science-tutor/internal/assistant"
)

// Stream event types. Both transports share this vocabulary.
const (
	EventStart   = "start"
	EventPartial = "partial"
	EventInfo    = "info"
	EventWarning = "warning"
	EventError   = "error"
	EventClear   = "clear"
	EventDone    = "done"
	EventPong    = "pong"
)

// Event is one update of the live display region.
type Event struct {
	Type       string `json:"type"`
	ExchangeID string `json:"exchange_id,omitempty"`
	ThreadID   string `json:"thread_id,omitempty"`
	Text       string `json:"text,omitempty"`
	HTML       string `json:"html,omitempty"`
	Status     string `json:"status,omitempty"`
	// Fatal marks an error that ends the exchange without a done event.
	Fatal bool `json:"fatal,omitempty"`
}

type emitFunc func(Event) error

// streamSlot adapts a transport to assistant.Slot. After the first failed
// write it stops sending; the request context ends the run shortly after.
type streamSlot struct {
	exchangeID string
	emit       emitFunc
	err        error
}

var _ assistant.Slot = (*streamSlot)(nil)

func newStreamSlot(exchangeID string, emit emitFunc) *streamSlot {
	return &streamSlot{exchangeID: exchangeID, emit: emit}
}

func (s *streamSlot) send(e Event) {
	if s.err != nil {
		return
	}
	e.ExchangeID = s.exchangeID
	if err := s.emit(e); err != nil {
		s.err = err
		slog.Debug("Stream write failed", "error", err, "exchange_id", s.exchangeID, "event", e.Type)
	}
}

func (s *streamSlot) Partial(text string) { s.send(Event{Type: EventPartial, Text: text}) }
func (s *streamSlot) Info(text string)    { s.send(Event{Type: EventInfo, Text: text}) }
func (s *streamSlot) Warn(text string)    { s.send(Event{Type: EventWarning, Text: text}) }
func (s *streamSlot) Error(text string)   { s.send(Event{Type: EventError, Text: text}) }
func (s *streamSlot) Clear()              { s.send(Event{Type: EventClear}) }

// describeFault turns a transport fault into a message for the page.
func describeFault(err error) string {
	switch {
	case errors.Is(err, assistant.ErrUnauthorized):
		return "The assistant service rejected the configured API key."
	case errors.Is(err, assistant.ErrRateLimited):
		return "The assistant service is rate limiting requests. Try again shortly."
	case errors.Is(err, assistant.ErrNotFound):
		return "The assistant or conversation thread was not found."
	default:
		return "The assistant service could not be reached."
	}
}
