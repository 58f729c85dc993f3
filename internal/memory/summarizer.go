package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
)

// Analyzer is the analytical-summary backend. It receives a transcript
// and channel label and returns text expected to contain a JSON object
// matching the Reflection field set, optionally fenced.
type Analyzer interface {
	Analyze(ctx context.Context, transcript, channelName string) (string, error)
}

// Summarizer produces structured reflections over finalized segments.
// It never fails: backend or parse errors degrade to a deterministic
// local reflection so finalization is never blocked on summarization.
type Summarizer struct {
	analyzer Analyzer
}

func NewSummarizer(analyzer Analyzer) *Summarizer {
	return &Summarizer{analyzer: analyzer}
}

// Generate analyzes a finalized segment. Empty input yields the fixed
// empty reflection without touching the backend.
func (s *Summarizer) Generate(ctx context.Context, messages []Message, channelName string) Reflection {
	if len(messages) == 0 {
		return emptyReflection()
	}

	raw, err := s.analyzer.Analyze(ctx, FormatTranscript(messages), channelName)
	if err != nil {
		log.Printf("[memory] reflection generation failed: %v", err)
		return fallbackReflection(messages)
	}

	refl, err := parseReflection(raw)
	if err != nil {
		log.Printf("[memory] reflection parse failed: %v", err)
		return fallbackReflection(messages)
	}
	return refl
}

// parseReflection decodes the backend's JSON after stripping an
// optional surrounding code fence.
func parseReflection(raw string) (Reflection, error) {
	text := stripCodeFence(raw)

	var refl Reflection
	if err := json.Unmarshal([]byte(text), &refl); err != nil {
		return Reflection{}, err
	}
	if strings.TrimSpace(refl.Topic) == "" {
		refl.Topic = "Unknown Topic"
	}
	normalizeReflection(&refl)
	return refl, nil
}

// normalizeReflection replaces nil list fields with empty slices so a
// partially populated response never yields null lists downstream.
func normalizeReflection(r *Reflection) {
	if r.KeyInsights == nil {
		r.KeyInsights = []string{}
	}
	if r.AboutTheUser == nil {
		r.AboutTheUser = []string{}
	}
	if r.DecisionsMade == nil {
		r.DecisionsMade = []string{}
	}
	if r.WhatWentWell == nil {
		r.WhatWentWell = []string{}
	}
	if r.WhatCouldImprove == nil {
		r.WhatCouldImprove = []string{}
	}
	if r.Connections.RelatedTopics == nil {
		r.Connections.RelatedTopics = []string{}
	}
	if r.Connections.LikelyNextQuestions == nil {
		r.Connections.LikelyNextQuestions = []string{}
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
}

// stripCodeFence removes a leading/trailing markdown fence, with or
// without a language tag, leaving inner content untouched.
func stripCodeFence(raw string) string {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// fallbackReflection builds the deterministic reflection used when the
// backend fails: topic from the first human message's leading words,
// narrative naming participants and message count.
func fallbackReflection(messages []Message) Reflection {
	participants := ParticipantNames(messages)

	topic := "General Discussion"
	for _, msg := range messages {
		if msg.FromBot {
			continue
		}
		if len(msg.Content) > 10 {
			words := strings.Fields(msg.Content)
			if len(words) > 5 {
				words = words[:5]
			}
			topic = strings.Join(words, " ") + "..."
		}
		break
	}

	who := "users"
	if len(participants) > 0 {
		who = strings.Join(participants, ", ")
	}

	refl := emptyReflection()
	refl.Topic = topic
	refl.WhatHappened = fmt.Sprintf("Conversation with %s containing %d messages.", who, len(messages))
	refl.WhatCouldImprove = []string{"analysis backend error prevented detailed analysis"}
	refl.Fallback = true
	return refl
}

// ParticipantNames returns the deduplicated display names of non-bot
// senders, in first-seen order.
func ParticipantNames(messages []Message) []string {
	seen := make(map[string]bool)
	names := make([]string, 0)
	for _, msg := range messages {
		if msg.FromBot || seen[msg.Username] {
			continue
		}
		seen[msg.Username] = true
		names = append(names, msg.Username)
	}
	return names
}
