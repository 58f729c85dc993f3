package memory

import "time"

// Message is one chat turn tracked by the pipeline. Timestamps are
// normalized to UTC at construction and never mutated afterwards.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	SenderID  string    `json:"sender_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	FromBot   bool      `json:"from_bot"`
}

// Verdict is the outcome of one topic-shift detection pass.
// Incomplete distinguishes "classifier failed, assume no shift" from a
// genuine negative.
type Verdict struct {
	Shift      bool
	Confidence float64
	Topic      string
	Reason     string
	Incomplete bool
}

// Connections links a conversation segment to adjacent subject matter.
type Connections struct {
	RelatedTopics       []string `json:"related_topics"`
	LikelyNextQuestions []string `json:"likely_next_questions"`
}

// Reflection is the structured analysis of a finalized segment. List
// fields are always non-nil. Fallback marks a reflection synthesized
// locally after the analytical backend failed; it is not serialized.
type Reflection struct {
	Topic            string      `json:"topic"`
	WhatHappened     string      `json:"what_happened"`
	KeyInsights      []string    `json:"key_insights"`
	AboutTheUser     []string    `json:"about_the_user"`
	DecisionsMade    []string    `json:"decisions_made"`
	WhatWentWell     []string    `json:"what_went_well"`
	WhatCouldImprove []string    `json:"what_could_improve"`
	Connections      Connections `json:"connections"`
	Tags             []string    `json:"tags"`

	Fallback bool `json:"-"`
}

// Chunk is the durable unit of memory: a finalized, immutable
// conversation segment plus its derived analysis. Never constructed
// from an empty message list.
type Chunk struct {
	ID           string
	ChannelID    string
	ChannelName  string
	Start        time.Time
	End          time.Time
	Participants []string
	MessageCount int
	Messages     []Message
	Reflection   *Reflection
}

// TrainingRecord is one role-tagged line of the structured rendering.
type TrainingRecord struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PipelineStats is a compact snapshot used by status reporting.
type PipelineStats struct {
	EnabledChannels  int
	ActiveChannels   int
	BufferedMessages int
	Running          bool
}

// emptyReflection is the fixed analysis used when there is nothing to analyze.
func emptyReflection() Reflection {
	return Reflection{
		Topic:            "Empty Conversation",
		WhatHappened:     "No messages to analyze.",
		KeyInsights:      []string{},
		AboutTheUser:     []string{},
		DecisionsMade:    []string{},
		WhatWentWell:     []string{},
		WhatCouldImprove: []string{},
		Connections:      Connections{RelatedTopics: []string{}, LikelyNextQuestions: []string{}},
		Tags:             []string{},
	}
}
