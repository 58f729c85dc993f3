// Package trainer implements the client for the conversational training
// backend: chat sessions, streamed responses, and knowledge uploads.
package trainer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	maxAttempts    = 3
	retryBaseDelay = 2 * time.Second

	fallbackApology = "I apologize, but I couldn't generate a response."
	fallbackFailure = "I'm having trouble processing your request."
)

// Client talks to the training backend. Requests are serialized through
// a single-flight lock, matching the backend's per-token rate limits.
type Client struct {
	baseURL    string
	token      string
	agentID    string
	retryBase  time.Duration
	httpClient *http.Client

	mu sync.Mutex
}

func NewClient(baseURL, token, agentID string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		agentID:    agentID,
		retryBase:  retryBaseDelay,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateSession opens a new chat session and returns its identifier.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	endpoint := fmt.Sprintf("chatbot/%s/session/create", c.agentID)
	resp, err := c.request(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create chat session: %w", err)
	}

	id, _ := resp["uuid"].(string)
	if id == "" {
		return "", fmt.Errorf("create chat session: response missing uuid")
	}
	return id, nil
}

// GetResponse sends a message on a session and assembles the streamed
// reply. A stream failure falls back to a fresh session once; a second
// failure degrades to a canned reply rather than an error, so the
// conversation never stalls on backend trouble.
func (c *Client) GetResponse(ctx context.Context, sessionID, message, preamble string) string {
	query := "User: " + message
	if preamble != "" {
		query = preamble + "\n\nUser: " + message
	}

	reply, err := c.stream(ctx, sessionID, query)
	if err == nil {
		return reply
	}
	log.Printf("[trainer] get response: %v", err)

	newSession, err := c.CreateSession(ctx)
	if err != nil {
		log.Printf("[trainer] fallback session: %v", err)
		return fallbackFailure
	}
	reply, err = c.stream(ctx, newSession, query)
	if err != nil {
		log.Printf("[trainer] retry on new session: %v", err)
		return fallbackFailure
	}
	return reply
}

// UploadText pushes a text document into the backend's knowledge base.
// A conflict means the document is already present and counts as
// success.
func (c *Client) UploadText(ctx context.Context, content, name string) (bool, error) {
	endpoint := fmt.Sprintf("chatbot/%s/data-source/text", c.agentID)
	body := map[string]string{"text": content, "name": name}
	if _, err := c.request(ctx, http.MethodPost, endpoint, body); err != nil {
		return false, fmt.Errorf("upload text %q: %w", name, err)
	}
	return true, nil
}

// request performs one API call with retries. Server errors and
// transport failures back off linearly between attempts; a 409 is
// mapped to success since the resource already exists.
func (c *Client) request(ctx context.Context, method, endpoint string, body any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * c.retryBase
			log.Printf("[trainer] request failed, retrying in %s", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := c.do(ctx, method, endpoint, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http %d: %s", e.status, e.body)
}

func isRetryable(err error) bool {
	if he, ok := err.(*httpError); ok {
		return he.status >= 500
	}
	// transport-level failures are retryable
	return true
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return map[string]any{"success": true, "status": "existing"}, nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &httpError{status: resp.StatusCode, body: strings.TrimSpace(string(respBody))}
	}

	decoded := map[string]any{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return decoded, nil
}

// stream posts a query to the session's streaming endpoint and gathers
// the chunks. Chunks arrive as server-sent events; JSON chunks
// contribute their text field, anything else is taken verbatim.
func (c *Client) stream(ctx context.Context, sessionID, query string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal query: %w", err)
	}

	endpoint := fmt.Sprintf("%s/session/%s/message/stream", c.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create stream request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send stream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", &httpError{status: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	var sb strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		line = strings.TrimPrefix(line, "data: ")
		if strings.TrimSpace(line) == "" {
			continue
		}

		var chunk map[string]any
		if err := json.Unmarshal([]byte(line), &chunk); err == nil {
			if text, ok := chunk["text"].(string); ok {
				sb.WriteString(text)
				continue
			}
			continue
		}
		sb.WriteString(line)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read stream: %w", err)
	}

	if sb.Len() == 0 {
		return fallbackApology, nil
	}
	return sb.String(), nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
}
