package sse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func streamHandler(t *testing.T, frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != ContentType {
			t.Errorf("Accept = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		for _, f := range frames {
			fmt.Fprint(w, f)
			w.(http.Flusher).Flush()
		}
	}
}

func TestClient_OpenAndRead(t *testing.T) {
	srv := httptest.NewServer(streamHandler(t, "event: alert\ndata: {}\n\n"))
	defer srv.Close()

	c := &Client{}
	s, err := c.Open(context.Background(), OpenOptions{URL: srv.URL, ConnectTimeout: time.Second})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ev, err := s.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Name != "alert" {
		t.Errorf("name = %q", ev.Name)
	}
}

func TestClient_SendsLastEventIDAndDecoration(t *testing.T) {
	got := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Clone()
		w.Header().Set("Content-Type", ContentType)
	}))
	defer srv.Close()

	c := &Client{Decorate: func(r *http.Request) error {
		r.Header.Set("X-Session-ID", "abc")
		return nil
	}}
	s, err := c.Open(context.Background(), OpenOptions{URL: srv.URL, LastEventID: "42"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	h := <-got
	if h.Get("Last-Event-ID") != "42" {
		t.Errorf("Last-Event-ID = %q", h.Get("Last-Event-ID"))
	}
	if h.Get("X-Session-ID") != "abc" {
		t.Errorf("X-Session-ID = %q", h.Get("X-Session-ID"))
	}
}

func TestClient_DecorateError(t *testing.T) {
	c := &Client{Decorate: func(*http.Request) error { return errors.New("no token") }}
	if _, err := c.Open(context.Background(), OpenOptions{URL: "http://127.0.0.1:1"}); err == nil {
		t.Fatal("expected decorate error")
	}
}

func TestClient_RejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := (&Client{}).Open(context.Background(), OpenOptions{URL: srv.URL})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected StatusError 503, got %v", err)
	}
}

func TestClient_RejectsWrongContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := (&Client{}).Open(context.Background(), OpenOptions{URL: srv.URL})
	var ce *ContentTypeError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ContentTypeError, got %v", err)
	}
}

func TestClient_ConnectTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := (&Client{}).Open(context.Background(), OpenOptions{URL: srv.URL, ConnectTimeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("expected ErrConnectTimeout, got %v", err)
	}
}

func TestStream_CloseUnblocksNext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", ContentType)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	s, err := (&Client{}).Open(context.Background(), OpenOptions{URL: srv.URL})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Next()
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not unblock after Close")
	}
}
