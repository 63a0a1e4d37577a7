package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSPAHandlerServesIndex(t *testing.T) {
	h := SPAHandler()

	for _, path := range []string{"/", "/some/client/route"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))

		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "Grade 7 Science Tutor") {
			t.Errorf("%s: expected the tutor page", path)
		}
	}
}
