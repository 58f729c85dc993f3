package memory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func chatResponse(content string) string {
	body := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}},
		},
	}
	data, _ := json.Marshal(body)
	return string(data)
}

func TestChatClientClassify(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(chatResponse("SHIFT: NO\nCONFIDENCE: 0.9\nTOPIC: same topic\nREASON: continuous.")))
	}))
	defer srv.Close()

	c := NewChatClient("test-key", srv.URL, "test-model")
	got, err := c.Classify(context.Background(), "10:00:00 [alice]: hi")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !strings.Contains(got, "SHIFT: NO") {
		t.Fatalf("unexpected response %q", got)
	}

	if captured["temperature"] != 0.1 {
		t.Fatalf("expected temperature 0.1, got %v", captured["temperature"])
	}
	if captured["max_tokens"] != float64(200) {
		t.Fatalf("expected max_tokens 200, got %v", captured["max_tokens"])
	}
	if _, ok := captured["response_format"]; ok {
		t.Fatalf("classification must not request json mode")
	}
}

func TestChatClientAnalyzeRequestsJSON(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(chatResponse(`{"topic":"Test"}`)))
	}))
	defer srv.Close()

	c := NewChatClient("test-key", srv.URL, "test-model")
	got, err := c.Analyze(context.Background(), "10:00:00 [alice]: hi", "general")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got != `{"topic":"Test"}` {
		t.Fatalf("unexpected response %q", got)
	}

	rf, ok := captured["response_format"].(map[string]any)
	if !ok || rf["type"] != "json_object" {
		t.Fatalf("analysis must request json mode, got %v", captured["response_format"])
	}
	if captured["temperature"] != 0.3 {
		t.Fatalf("expected temperature 0.3, got %v", captured["temperature"])
	}
	msgs := captured["messages"].([]any)
	prompt := msgs[0].(map[string]any)["content"].(string)
	if !strings.Contains(prompt, "CHANNEL: #general") {
		t.Fatalf("prompt must carry the channel name")
	}
}

func TestChatClientHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewChatClient("test-key", srv.URL, "test-model")
	if _, err := c.Classify(context.Background(), "x"); err == nil {
		t.Fatalf("expected error on http failure")
	}
}

func TestChatClientMissingConfig(t *testing.T) {
	c := NewChatClient("", "http://localhost", "m")
	if _, err := c.Classify(context.Background(), "x"); err == nil {
		t.Fatalf("expected error for missing api key")
	}

	c = NewChatClient("k", "", "m")
	if _, err := c.Classify(context.Background(), "x"); err == nil {
		t.Fatalf("expected error for missing base url")
	}
}
