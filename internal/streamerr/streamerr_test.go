package streamerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestError_WrapsAndClassifies(t *testing.T) {
	err := New(Transport, "ward-3", "open", io.ErrUnexpectedEOF)
	wrapped := fmt.Errorf("reconnect: %w", err)

	if !errors.Is(wrapped, io.ErrUnexpectedEOF) {
		t.Error("expected the cause to be reachable through Unwrap")
	}
	if !Is(wrapped, Transport) {
		t.Errorf("KindOf = %v, want transport", KindOf(wrapped))
	}
	if Is(wrapped, Parse) {
		t.Error("transport error classified as parse")
	}
	if got := err.Error(); got != "transport: ward-3 open: unexpected EOF" {
		t.Errorf("Error() = %q", got)
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	if KindOf(errors.New("plain")) != 0 {
		t.Error("plain errors carry no kind")
	}
	if KindOf(nil) != 0 {
		t.Error("nil carries no kind")
	}
}

func TestKind_Codes(t *testing.T) {
	cases := map[Kind]Code{
		Transport:          "STREAM_TRANSPORT_ERROR",
		Parse:              "STREAM_PARSE_ERROR",
		Application:        "STREAM_APPLICATION_ERROR",
		RetryExhausted:     "STREAM_RETRY_EXHAUSTED",
		FatalConfiguration: "STREAM_FATAL_CONFIGURATION",
		Kind(42):           "STATUS_INTERNAL_ERROR",
	}
	for kind, want := range cases {
		if got := kind.Code(); got != want {
			t.Errorf("%v.Code() = %q, want %q", kind, got, want)
		}
	}
}

func TestWriteJSON_BasicFields(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/admin/feeds/x", nil)

	WriteJSON(w, r, http.StatusNotFound, CodeFeedNotFound, "no such feed")

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != "Not Found" {
		t.Errorf("error = %q, want %q", resp.Error, "Not Found")
	}
	if resp.ErrorCode != "STATUS_FEED_NOT_FOUND" {
		t.Errorf("error_code = %q", resp.ErrorCode)
	}
	if resp.Message != "no such feed" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestWriteJSON_IncludesRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/admin/feeds", nil)
	r.Header.Set("X-Request-ID", "req-123")

	WriteJSON(w, r, http.StatusForbidden, CodeForbidden, "client address not in admin allowlist")

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.RequestID != "req-123" {
		t.Errorf("request_id = %q, want %q", resp.RequestID, "req-123")
	}
}

func TestWriteJSON_PreSerializedOmitsRequestID(t *testing.T) {
	w := httptest.NewRecorder()

	WriteJSON(w, nil, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "only GET is supported")

	var raw map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, exists := raw["request_id"]; exists {
		t.Error("request_id should be omitted when empty")
	}
	if raw["error_code"] != "STATUS_METHOD_NOT_ALLOWED" {
		t.Errorf("error_code = %v", raw["error_code"])
	}
}
