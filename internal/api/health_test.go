package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/science-tutor/internal/store"
)

func TestHealthOK(t *testing.T) {
	repo, err := store.NewSQLite(store.MemoryPath)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	defer func() { _ = repo.Close() }()

	h := NewHealthHandler(NewHandler(repo, nil))
	rr := httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body.Status != "healthy" || body.Checks["database"] != "ok" {
		t.Errorf("Unexpected health body: %+v", body)
	}
}

func TestHealthDegradedWhenDatabaseClosed(t *testing.T) {
	repo, err := store.NewSQLite(store.MemoryPath)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	_ = repo.Close()

	h := NewHealthHandler(NewHandler(repo, nil))
	rr := httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", rr.Code)
	}
}
