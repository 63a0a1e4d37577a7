package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RequiresActionNotice is shown while a run waits on a tool call. No
// tools are wired, so the run just keeps being polled.
const RequiresActionNotice = "Assistant requested an action (tool call). No custom tools configured yet."

// DefaultPollInterval is the pause between two status checks.
const DefaultPollInterval = 600 * time.Millisecond

const cancelTimeout = 5 * time.Second

// Slot is the single live display region updated while a run is in
// flight. It is owned by one ExecuteAndStream call at a time.
type Slot interface {
	// Partial replaces the slot with the latest partial reply.
	Partial(text string)
	// Info shows an informational notice.
	Info(text string)
	// Warn shows a non-fatal warning.
	Warn(text string)
	// Error shows a terminal failure banner.
	Error(text string)
	// Clear empties the slot.
	Clear()
}

// NopSlot discards all updates.
type NopSlot struct{}

func (NopSlot) Partial(string) {}
func (NopSlot) Info(string)    {}
func (NopSlot) Warn(string)    {}
func (NopSlot) Error(string)   {}
func (NopSlot) Clear()         {}

// PollerConfig bounds the polling loop. Zero Timeout or MaxAttempts
// means unbounded.
type PollerConfig struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxAttempts int
}

// Poller drives one run from submission to a terminal status.
type Poller struct {
	client Client
	cfg    PollerConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewPoller creates a poller on top of the given client.
func NewPoller(client Client, cfg PollerConfig, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	return &Poller{
		client: client,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// ExecuteAndStream submits a run for the assistant on threadID and polls
// it until a terminal status, pushing partial text into slot as it
// appears. The user's message must already be on the thread.
//
// Remote outcomes are reported through slot and Result.Status, never as
// errors. The error is non-nil only when the service cannot be reached or
// ctx ends; Result still carries whatever text was seen so far.
func (p *Poller) ExecuteAndStream(ctx context.Context, threadID, assistantID string, slot Slot) (Result, error) {
	if slot == nil {
		slot = NopSlot{}
	}

	run, err := p.client.CreateRun(ctx, threadID, assistantID)
	if err != nil {
		return Result{}, err
	}
	res := Result{RunID: run.ID, Status: run.Status}
	logger := p.logger.With("thread_id", threadID, "run_id", run.ID)
	logger.Info("Run submitted", "assistant_id", assistantID)

	started := p.now()
	for attempt := 1; ; attempt++ {
		if p.budgetExhausted(started, attempt) {
			res.Status = StatusTimedOut
			slot.Error(fmt.Sprintf("Run ended with status: %s", res.Status))
			logger.Warn("Run poll budget exhausted", "attempts", attempt-1, "elapsed", p.now().Sub(started))
			p.cancelRun(ctx, logger, threadID, res.RunID)
			return res, nil
		}

		run, err := p.client.GetRun(ctx, threadID, res.RunID)
		if err != nil {
			return res, p.abandon(ctx, logger, threadID, res.RunID, err)
		}
		res.Status = run.Status

		switch {
		case run.Status.Pending():
			text, err := p.latestAssistantText(ctx, threadID, res.RunID)
			if err != nil {
				return res, p.abandon(ctx, logger, threadID, res.RunID, err)
			}
			if text != "" {
				res.Text = text
				slot.Partial(text)
			}

		case run.Status == StatusRequiresAction:
			slot.Info(RequiresActionNotice)

		case run.Status.Terminal():
			text, err := p.latestAssistantText(ctx, threadID, res.RunID)
			if err != nil {
				return res, err
			}
			if text != "" {
				res.Text = text
			}
			if run.Status != StatusCompleted {
				slot.Error(fmt.Sprintf("Run ended with status: %s", run.Status))
				attrs := []any{"status", run.Status, "attempts", attempt}
				if run.LastError != nil {
					attrs = append(attrs, "code", run.LastError.Code, "reason", run.LastError.Message)
				}
				logger.Warn("Run ended without completing", attrs...)
			} else {
				slot.Clear()
				logger.Info("Run completed", "attempts", attempt, "text_length", len(res.Text))
			}
			return res, nil

		default:
			slot.Warn(fmt.Sprintf("Unknown status: %s", run.Status))
			logger.Warn("Unrecognized run status", "status", run.Status)
		}

		if err := p.pause(ctx); err != nil {
			return res, p.abandon(ctx, logger, threadID, res.RunID, err)
		}
	}
}

// latestAssistantText returns the text of the newest message when it is
// an assistant reply belonging to runID.
func (p *Poller) latestAssistantText(ctx context.Context, threadID, runID string) (string, error) {
	msg, err := p.client.LatestMessage(ctx, threadID)
	if err != nil {
		return "", err
	}
	if msg == nil || msg.Role != "assistant" {
		return "", nil
	}
	if msg.RunID != "" && msg.RunID != runID {
		return "", nil
	}
	return msg.Text, nil
}

func (p *Poller) budgetExhausted(started time.Time, attempt int) bool {
	if p.cfg.MaxAttempts > 0 && attempt > p.cfg.MaxAttempts {
		return true
	}
	return p.cfg.Timeout > 0 && p.now().Sub(started) >= p.cfg.Timeout
}

func (p *Poller) pause(ctx context.Context) error {
	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// abandon is called when the loop stops on err while the run may still be
// live. If the caller's context ended, the remote run is cancelled too.
func (p *Poller) abandon(ctx context.Context, logger *slog.Logger, threadID, runID string, err error) error {
	if ctx.Err() != nil {
		p.cancelRun(ctx, logger, threadID, runID)
	}
	return err
}

// cancelRun asks the server to stop a run we are abandoning. It is best
// effort and survives cancellation of the caller's context.
func (p *Poller) cancelRun(ctx context.Context, logger *slog.Logger, threadID, runID string) {
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	if _, err := p.client.CancelRun(cancelCtx, threadID, runID); err != nil {
		logger.Warn("Failed to cancel abandoned run", "error", err)
		return
	}
	logger.Info("Cancelled abandoned run")
}
