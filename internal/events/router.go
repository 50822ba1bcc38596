package events

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dskow/intel-stream/internal/metrics"
)

// Handler receives one event. Handlers run synchronously on the emitting
// goroutine and may call back into the router.
type Handler func(Event)

// Token identifies a subscription. The zero Token is never issued.
type Token uint64

type subscription struct {
	token   Token
	kind    Kind // 0 matches every kind
	handler Handler
}

// Router is a typed publish/subscribe registry. Dispatch order for a given
// event is subscription order. A panicking handler is recovered and does
// not stop the remaining handlers.
type Router struct {
	mu     sync.RWMutex
	subs   []subscription
	next   Token
	logger *slog.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger}
}

// On subscribes handler to events of kind.
func (r *Router) On(kind Kind, handler Handler) Token {
	return r.add(kind, handler)
}

// OnAll subscribes handler to every event.
func (r *Router) OnAll(handler Handler) Token {
	return r.add(0, handler)
}

func (r *Router) add(kind Kind, handler Handler) Token {
	if handler == nil {
		panic("events: nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.subs = append(r.subs, subscription{token: r.next, kind: kind, handler: handler})
	return r.next
}

// Off removes a subscription. It reports whether anything was removed;
// removing an unknown or already removed token is a no-op.
func (r *Router) Off(token Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.token == token {
			// Copy so that an Emit iterating a snapshot is unaffected.
			subs := make([]subscription, 0, len(r.subs)-1)
			subs = append(subs, r.subs[:i]...)
			r.subs = append(subs, r.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of live subscriptions.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Emit dispatches ev to every matching subscriber. Subscriptions added or
// removed by a handler take effect from the next Emit.
func (r *Router) Emit(ev Event) {
	if ev == nil {
		return
	}
	r.mu.RLock()
	subs := r.subs
	r.mu.RUnlock()

	kind := ev.EventKind()
	for _, s := range subs {
		if s.kind != 0 && s.kind != kind {
			continue
		}
		r.dispatch(s, ev)
	}
}

func (r *Router) dispatch(s subscription, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.HandlerPanics.WithLabelValues(ev.EventKind().String()).Inc()
			r.logger.Error("event handler panic",
				"feed", ev.Meta().Feed,
				"kind", ev.EventKind().String(),
				"token", uint64(s.token),
				"panic", fmt.Sprint(rec),
			)
		}
	}()
	s.handler(ev)
}
