// Package events defines the closed set of notifications a stream
// connection publishes, and the Router that dispatches them to subscribers.
//
// Consumers switch on the concrete type:
//
//	switch e := ev.(type) {
//	case events.Message:
//	case events.StateChanged:
//	...
//	}
package events

import (
	"encoding/json"
	"time"

	"github.com/dskow/intel-stream/internal/streamerr"
)

// Kind identifies an event variant. It is the subscription key.
type Kind int

const (
	KindStateChanged Kind = iota + 1
	KindConnected
	KindDisconnected
	KindMessage
	KindHeartbeat
	KindError
	KindReconnecting
	KindReconnectFailed
	KindFallbackActivated
	KindFallbackDeactivated
	KindOffline
	KindHealthChanged
)

// Kinds lists every event kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindStateChanged, KindConnected, KindDisconnected, KindMessage,
		KindHeartbeat, KindError, KindReconnecting, KindReconnectFailed,
		KindFallbackActivated, KindFallbackDeactivated, KindOffline,
		KindHealthChanged,
	}
}

func (k Kind) String() string {
	switch k {
	case KindStateChanged:
		return "state_changed"
	case KindConnected:
		return "connected"
	case KindDisconnected:
		return "disconnected"
	case KindMessage:
		return "message"
	case KindHeartbeat:
		return "heartbeat"
	case KindError:
		return "error"
	case KindReconnecting:
		return "reconnecting"
	case KindReconnectFailed:
		return "reconnect_failed"
	case KindFallbackActivated:
		return "fallback_activated"
	case KindFallbackDeactivated:
		return "fallback_deactivated"
	case KindOffline:
		return "offline"
	case KindHealthChanged:
		return "health_changed"
	default:
		return "unknown"
	}
}

// State is the connection state as seen by subscribers.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateFallbackActive
	StateOffline
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateFallbackActive:
		return "fallback_active"
	case StateOffline:
		return "offline"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Delivering reports whether data reaches subscribers in this state.
func (s State) Delivering() bool {
	return s == StateOpen || s == StateFallbackActive
}

// Quality is the advisory connection-quality rating.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityCritical  Quality = "critical"
)

// Source tags where a message came from.
type Source string

const (
	SourceStream   Source = "stream"
	SourceFallback Source = "fallback"
)

// Message types named by the backend.
const (
	TypeConnection       = "connection"
	TypeAlert            = "alert"
	TypeIntelligence     = "intelligence"
	TypeAnalysisProgress = "analysis_progress"
	TypeHeartbeat        = "heartbeat"
	TypeError            = "error"
	TypeReconnection     = "reconnection"

	// TypeOther stands in for backend-chosen names in metric labels.
	TypeOther = "other"
)

// MetricType returns t if it is a known message type and TypeOther
// otherwise, keeping label sets bounded.
func MetricType(t string) string {
	switch t {
	case TypeConnection, TypeAlert, TypeIntelligence, TypeAnalysisProgress,
		TypeHeartbeat, TypeError, TypeReconnection:
		return t
	}
	return TypeOther
}

// Envelope is an inbound message from either the stream or the poller.
type Envelope struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
	Source     Source          `json:"source"`
	ID         string          `json:"id,omitempty"`
}

// Header is carried by every event.
type Header struct {
	Feed string
	At   time.Time
}

// Meta returns the header. Promoted to every event through embedding.
func (h Header) Meta() Header { return h }

// Event is implemented by every variant below and nothing else.
type Event interface {
	EventKind() Kind
	Meta() Header
	sealed()
}

// StateChanged is published on every connection state transition.
type StateChanged struct {
	Header
	From State
	To   State
}

// Connected is published when the push stream opens.
type Connected struct {
	Header
	Target      string
	LastEventID string
}

// Disconnected is published when an open stream is lost or closed.
type Disconnected struct {
	Header
	Reason string
	Err    error
}

// Message carries one payload.
type Message struct {
	Header
	Envelope
}

// Heartbeat is published for each server heartbeat frame.
type Heartbeat struct {
	Header
	ServerTime time.Time
}

// Error reports a recoverable failure. Connection state is unaffected.
type Error struct {
	Header
	Kind streamerr.Kind
	Err  error
}

// Reconnecting announces a scheduled retry.
type Reconnecting struct {
	Header
	Attempt int
	Delay   time.Duration
	Err     error
}

// ReconnectFailed is published once per outage when retries are handed
// off to fallback or offline.
type ReconnectFailed struct {
	Header
	Attempts    int
	BreakerOpen bool
	Err         error
}

// FallbackActivated announces that polling has started.
type FallbackActivated struct {
	Header
	Interval time.Duration
}

// FallbackDeactivated announces that polling has stopped.
type FallbackDeactivated struct {
	Header
}

// Offline is published when retries are exhausted and fallback is disabled.
type Offline struct {
	Header
	Attempts int
}

// HealthChanged is published by a health monitor when the rating changes.
type HealthChanged struct {
	Header
	Previous Quality
	Current  Quality
	Score    float64
}

func (StateChanged) EventKind() Kind        { return KindStateChanged }
func (Connected) EventKind() Kind           { return KindConnected }
func (Disconnected) EventKind() Kind        { return KindDisconnected }
func (Message) EventKind() Kind             { return KindMessage }
func (Heartbeat) EventKind() Kind           { return KindHeartbeat }
func (Error) EventKind() Kind               { return KindError }
func (Reconnecting) EventKind() Kind        { return KindReconnecting }
func (ReconnectFailed) EventKind() Kind     { return KindReconnectFailed }
func (FallbackActivated) EventKind() Kind   { return KindFallbackActivated }
func (FallbackDeactivated) EventKind() Kind { return KindFallbackDeactivated }
func (Offline) EventKind() Kind             { return KindOffline }
func (HealthChanged) EventKind() Kind       { return KindHealthChanged }

func (StateChanged) sealed()        {}
func (Connected) sealed()           {}
func (Disconnected) sealed()        {}
func (Message) sealed()             {}
func (Heartbeat) sealed()           {}
func (Error) sealed()               {}
func (Reconnecting) sealed()        {}
func (ReconnectFailed) sealed()     {}
func (FallbackActivated) sealed()   {}
func (FallbackDeactivated) sealed() {}
func (Offline) sealed()             {}
func (HealthChanged) sealed()       {}
