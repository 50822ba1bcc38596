package middleware

import (
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
)

var uuidV4 = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func serveWithID(header string) (ctxID, reqHeader string, rec *httptest.ResponseRecorder) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = GetRequestID(r.Context())
		reqHeader = r.Header.Get("X-Request-ID")
	}))
	req := httptest.NewRequest("GET", "/ready", nil)
	if header != "" {
		req.Header.Set("X-Request-ID", header)
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return ctxID, reqHeader, rec
}

func TestRequestID_Generated(t *testing.T) {
	ctxID, reqHeader, rec := serveWithID("")

	if !uuidV4.MatchString(ctxID) {
		t.Fatalf("expected a UUID v4, got %q", ctxID)
	}
	if reqHeader != ctxID || rec.Header().Get("X-Request-ID") != ctxID {
		t.Errorf("ids disagree: ctx %q, request %q, response %q", ctxID, reqHeader, rec.Header().Get("X-Request-ID"))
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	ctxID, _, rec := serveWithID("probe-7")
	if ctxID != "probe-7" || rec.Header().Get("X-Request-ID") != "probe-7" {
		t.Errorf("expected preserved id, got ctx %q response %q", ctxID, rec.Header().Get("X-Request-ID"))
	}
}

func TestRequestID_UniquePerRequest(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, _, _ := serveWithID("")
		if seen[id] {
			t.Fatalf("duplicate request ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestGetRequestID_EmptyContext(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	if id := GetRequestID(req.Context()); id != "" {
		t.Errorf("expected empty string for context without request ID, got %q", id)
	}
}
