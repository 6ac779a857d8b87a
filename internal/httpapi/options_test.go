package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOptionsBodyLimitDefault(t *testing.T) {
	for _, n := range []int64{0, -1} {
		if got := (Options{MaxBodyBytes: n}).bodyLimit(); got != DefaultMaxBodyBytes {
			t.Fatalf("MaxBodyBytes=%d: limit=%d", n, got)
		}
	}
	if got := (Options{MaxBodyBytes: 1234}).bodyLimit(); got != 1234 {
		t.Fatalf("limit=%d", got)
	}
}

func TestReloadHonoursConfiguredBodyLimit(t *testing.T) {
	body := `{"model_id":"` + strings.Repeat("a", 64) + `"}`
	small := NewMux(&mockService{}, Options{MaxBodyBytes: 32})
	if w := postReload(small, body, "application/json"); w.Code != http.StatusBadRequest {
		t.Fatalf("limit 32: status=%d", w.Code)
	}
	if w := postReload(NewMux(&mockService{}, Options{}), body, "application/json"); w.Code != http.StatusAccepted {
		t.Fatalf("default limit: status=%d", w.Code)
	}
}

func TestNoCORSWithoutOrigins(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	NewMux(&mockService{}, Options{}).ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected CORS header %q", got)
	}
}
