// Package streamerr defines the stream client's error taxonomy and the
// JSON error body served by the status endpoints. Error codes are stable:
// dashboards and alerting program against them.
package streamerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a stream failure by how it is recovered.
type Kind int

const (
	// Transport covers refused, reset, timed-out, and stale streams.
	// Always retried; never fatal on its own.
	Transport Kind = iota + 1
	// Parse is a malformed payload. Logged and surfaced as an event.
	Parse
	// Application is an error the server reported on the stream.
	Application
	// RetryExhausted is raised once per outage when the attempt ceiling
	// or the breaker hands the feed to fallback.
	RetryExhausted
	// FatalConfiguration is returned synchronously and never retried.
	FatalConfiguration
)

// Code is a machine-readable error classification string.
type Code string

// Stable codes. Do not rename or remove existing codes.
const (
	CodeTransport          Code = "STREAM_TRANSPORT_ERROR"
	CodeParse              Code = "STREAM_PARSE_ERROR"
	CodeApplication        Code = "STREAM_APPLICATION_ERROR"
	CodeRetryExhausted     Code = "STREAM_RETRY_EXHAUSTED"
	CodeFatalConfiguration Code = "STREAM_FATAL_CONFIGURATION"

	CodeUnauthorized     Code = "SESSION_UNAUTHORIZED"
	CodeFeedNotFound     Code = "STATUS_FEED_NOT_FOUND"
	CodeForbidden        Code = "STATUS_FORBIDDEN"
	CodeMethodNotAllowed Code = "STATUS_METHOD_NOT_ALLOWED"
	CodeInternal         Code = "STATUS_INTERNAL_ERROR"
)

// Code returns the stable code for k.
func (k Kind) Code() Code {
	switch k {
	case Transport:
		return CodeTransport
	case Parse:
		return CodeParse
	case Application:
		return CodeApplication
	case RetryExhausted:
		return CodeRetryExhausted
	case FatalConfiguration:
		return CodeFatalConfiguration
	default:
		return CodeInternal
	}
}

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Parse:
		return "parse"
	case Application:
		return "application"
	case RetryExhausted:
		return "retry_exhausted"
	case FatalConfiguration:
		return "fatal_configuration"
	default:
		return "unknown"
	}
}

// Error is a classified stream error.
type Error struct {
	Kind Kind
	Feed string
	Op   string
	Err  error
}

// New wraps err with a kind, feed and operation.
func New(kind Kind, feed, op string, err error) *Error {
	return &Error{Kind: kind, Feed: feed, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Feed != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s %s: %v", e.Kind, e.Feed, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s %s", e.Kind, e.Feed, e.Op)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ErrorResponse is the status server's error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized bodies for the responses the status server sends most.
var (
	preForbidden        = mustMarshal(http.StatusForbidden, CodeForbidden, "client address not in admin allowlist")
	preMethodNotAllowed = mustMarshal(http.StatusMethodNotAllowed, CodeMethodNotAllowed, "only GET is supported")
)

func mustMarshal(status int, code Code, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. The request may be nil;
// when it carries X-Request-ID the ID is echoed back.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{ //nolint:errcheck
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

func preSerialized(status int, code Code, message string) []byte {
	switch {
	case code == CodeForbidden && status == http.StatusForbidden && message == "client address not in admin allowlist":
		return preForbidden
	case code == CodeMethodNotAllowed && status == http.StatusMethodNotAllowed && message == "only GET is supported":
		return preMethodNotAllowed
	}
	return nil
}
