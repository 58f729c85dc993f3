package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	shiftPrompt = `Analyze this conversation and determine if there's a meaningful topic shift.

CONVERSATION:
%s

INSTRUCTIONS:
1. Look for changes in the subject matter, not just natural conversation flow
2. Minor clarifications or follow-ups on the same topic are NOT shifts
3. A shift means the conversation has moved to a distinctly different subject

Respond in this exact format:
SHIFT: [YES or NO]
CONFIDENCE: [0.0 to 1.0]
TOPIC: [Brief description of current topic if YES, otherwise "same topic"]
REASON: [One sentence explanation]

Example responses:
SHIFT: YES
CONFIDENCE: 0.85
TOPIC: Python debugging techniques
REASON: Conversation moved from general project setup to specific debugging strategies.

SHIFT: NO
CONFIDENCE: 0.95
TOPIC: same topic
REASON: User is asking follow-up questions about the same subject.`

	reflectionPrompt = `Analyze this conversation and generate a reflective summary.

CHANNEL: #%s

CONVERSATION:
%s

Generate a JSON response with this exact structure:
{
    "topic": "Brief topic title (3-7 words)",
    "what_happened": "1-3 sentence narrative of what happened in this conversation",
    "key_insights": [
        "First key insight or learning",
        "Second key insight"
    ],
    "about_the_user": [
        "What was learned about the user(s)"
    ],
    "decisions_made": [
        "Any decisions, recommendations, or conclusions reached"
    ],
    "what_went_well": [
        "Positive aspects of the conversation"
    ],
    "what_could_improve": [
        "Areas where the conversation could have been better"
    ],
    "connections": {
        "related_topics": ["topic1", "topic2"],
        "likely_next_questions": ["What the user might ask next"]
    },
    "tags": ["tag1", "tag2", "tag3"]
}

Guidelines:
- Be concise but insightful
- Focus on actionable insights, not just summaries
- Tags should be lowercase, single words or hyphenated phrases
- Leave arrays empty [] if nothing applies (don't invent content)
- The reflection is from the bot's perspective about the conversation`
)

// ChatClient calls an OpenAI-compatible chat-completions endpoint. It
// serves both the topic-shift classifier and the reflection analyzer,
// with per-call temperature and token limits tuned to each task.
type ChatClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewChatClient(apiKey, baseURL, model string) *ChatClient {
	return &ChatClient{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Classify asks the model whether the transcript carries a topic
// shift. Low temperature keeps verdicts consistent across calls.
func (c *ChatClient) Classify(ctx context.Context, transcript string) (string, error) {
	return c.complete(ctx, fmt.Sprintf(shiftPrompt, transcript), 0.1, 200, false)
}

// Analyze asks the model for a structured reflection over a finalized
// segment.
func (c *ChatClient) Analyze(ctx context.Context, transcript, channelName string) (string, error) {
	return c.complete(ctx, fmt.Sprintf(reflectionPrompt, channelName, transcript), 0.3, 1000, true)
}

func (c *ChatClient) complete(ctx context.Context, prompt string, temperature float64, maxTokens int, jsonMode bool) (string, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return "", fmt.Errorf("missing analysis api key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(c.baseURL), "/")
	if baseURL == "" {
		return "", fmt.Errorf("missing analysis base url")
	}
	if c.model == "" {
		return "", fmt.Errorf("missing analysis model")
	}

	body := map[string]any{
		"model": c.model,
		"messages": []map[string]string{{
			"role":    "user",
			"content": prompt,
		}},
		"max_tokens":  maxTokens,
		"temperature": temperature,
	}
	if jsonMode {
		body["response_format"] = map[string]string{"type": "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("analysis model http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty content in response")
	}
	return content, nil
}
