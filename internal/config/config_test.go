package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	_, err := Load()
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Assistant.AssistantID != DefaultAssistantID {
		t.Errorf("expected default assistant id, got %q", cfg.Assistant.AssistantID)
	}
	if cfg.Poll.Interval != 600*time.Millisecond {
		t.Errorf("expected 600ms poll interval, got %v", cfg.Poll.Interval)
	}
	if !cfg.IsDevelopment() {
		t.Error("expected development mode without FRONTEND_URL")
	}
}

func TestLoadPollOverrides(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("POLL_INTERVAL", "0.25")
	t.Setenv("POLL_TIMEOUT", "0")
	t.Setenv("POLL_MAX_ATTEMPTS", "40")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Poll.Interval != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", cfg.Poll.Interval)
	}
	if cfg.Poll.Timeout != 0 {
		t.Errorf("expected unbounded timeout, got %v", cfg.Poll.Timeout)
	}
	if cfg.Poll.MaxAttempts != 40 {
		t.Errorf("expected 40 attempts, got %d", cfg.Poll.MaxAttempts)
	}
}

func TestValidateRejectsZeroInterval(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("POLL_INTERVAL", "0s")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero poll interval")
	}
}
