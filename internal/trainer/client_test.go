package trainer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(url string) *Client {
	c := NewClient(url, "test-token", "agent-1")
	c.retryBase = time.Millisecond
	c.httpClient.Timeout = 5 * time.Second
	return c
}

func TestCreateSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chatbot/agent-1/session/create" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("unexpected auth header %q", got)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Errorf("missing request id header")
		}
		w.Write([]byte(`{"uuid":"sess-123"}`))
	}))
	defer srv.Close()

	id, err := newTestClient(srv.URL).CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if id != "sess-123" {
		t.Fatalf("expected sess-123, got %q", id)
	}
}

func TestRequestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"uuid":"sess-after-retry"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	id, err := c.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if id != "sess-after-retry" {
		t.Fatalf("expected success after retries, got %q", id)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestRequestClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).CreateSession(context.Background()); err == nil {
		t.Fatalf("expected error for 4xx response")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", calls.Load())
	}
}

func TestUploadTextConflictIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chatbot/agent-1/data-source/text" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	ok, err := newTestClient(srv.URL).UploadText(context.Background(), "# Doc", "conversation_abc.md")
	if err != nil {
		t.Fatalf("UploadText: %v", err)
	}
	if !ok {
		t.Fatalf("conflict must count as success")
	}
}

func TestGetResponseAssemblesStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/session/sess-1/message/stream") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte("data: {\"text\":\"Hello\"}\n"))
		w.Write([]byte("data: {\"text\":\", world\"}\n"))
		w.Write([]byte("data: {\"done\":true}\n"))
	}))
	defer srv.Close()

	got := newTestClient(srv.URL).GetResponse(context.Background(), "sess-1", "hi", "")
	if got != "Hello, world" {
		t.Fatalf("expected assembled reply, got %q", got)
	}
}

func TestGetResponseNonJSONChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data: plain text chunk\n"))
	}))
	defer srv.Close()

	got := newTestClient(srv.URL).GetResponse(context.Background(), "sess-1", "hi", "")
	if got != "plain text chunk" {
		t.Fatalf("expected raw chunk passthrough, got %q", got)
	}
}

func TestGetResponseEmptyStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// no body
	}))
	defer srv.Close()

	got := newTestClient(srv.URL).GetResponse(context.Background(), "sess-1", "hi", "")
	if got != fallbackApology {
		t.Fatalf("empty stream must yield the apology, got %q", got)
	}
}

func TestGetResponseFallsBackToNewSession(t *testing.T) {
	var streamCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/message/stream"):
			if streamCalls.Add(1) == 1 {
				http.Error(w, "session expired", http.StatusNotFound)
				return
			}
			w.Write([]byte("data: {\"text\":\"recovered\"}\n"))
		case strings.Contains(r.URL.Path, "/session/create"):
			w.Write([]byte(`{"uuid":"sess-2"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	got := newTestClient(srv.URL).GetResponse(context.Background(), "sess-stale", "hi", "")
	if got != "recovered" {
		t.Fatalf("expected recovery on a fresh session, got %q", got)
	}
	if streamCalls.Load() != 2 {
		t.Fatalf("expected 2 stream attempts, got %d", streamCalls.Load())
	}
}

func TestGetResponsePreamble(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		gotQuery = body["query"]
		w.Write([]byte("data: {\"text\":\"ok\"}\n"))
	}))
	defer srv.Close()

	newTestClient(srv.URL).GetResponse(context.Background(), "sess-1", "what now?", "Earlier: deployment was discussed.")
	want := "Earlier: deployment was discussed.\n\nUser: what now?"
	if gotQuery != want {
		t.Fatalf("query = %q, want %q", gotQuery, want)
	}
}
