package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/science-tutor/internal/identity"
)

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	tests := []struct {
		name        string
		allowed     []string
		origin      string
		method      string
		wantOrigin  string
		wantCreds   bool
		wantStatus  int
	}{
		{"explicit origin", []string{"https://tutor.example"}, "https://tutor.example", http.MethodGet, "https://tutor.example", true, http.StatusTeapot},
		{"wildcard has no credentials", []string{"*"}, "https://other.example", http.MethodGet, "https://other.example", false, http.StatusTeapot},
		{"rejected origin", []string{"https://tutor.example"}, "https://evil.example", http.MethodGet, "", false, http.StatusTeapot},
		{"preflight", []string{"*"}, "https://other.example", http.MethodOptions, "https://other.example", false, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/chat", nil)
			req.Header.Set("Origin", tt.origin)
			rr := httptest.NewRecorder()

			CORS(tt.allowed)(next).ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("allow-origin = %q, want %q", got, tt.wantOrigin)
			}
			if got := rr.Header().Get("Access-Control-Allow-Credentials") == "true"; got != tt.wantCreds {
				t.Errorf("allow-credentials = %v, want %v", got, tt.wantCreds)
			}
			if tt.wantOrigin != "" && !strings.Contains(rr.Header().Get("Access-Control-Allow-Headers"), identity.SessionHeaderName) {
				t.Errorf("expected %s to be an allowed header", identity.SessionHeaderName)
			}
		})
	}
}
