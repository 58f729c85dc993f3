package memory

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTimeGapThreshold is the inactivity gap, in seconds, that
	// alone constitutes a topic shift.
	DefaultTimeGapThreshold = 1800

	// DefaultMinMessages is the minimum window size before any
	// detection runs.
	DefaultMinMessages = 4

	// DefaultForceChunkMaxAge bounds how long a window may accumulate
	// without a detected shift, in seconds.
	DefaultForceChunkMaxAge = 1800

	// forceChunkSize is the window size that forces chunking
	// regardless of topic content.
	forceChunkSize = 50
)

// Classifier is the semantic-classification backend. It receives a
// formatted transcript and returns free text expected to match the
// SHIFT/CONFIDENCE/TOPIC/REASON block; the detector tolerates anything.
type Classifier interface {
	Classify(ctx context.Context, transcript string) (string, error)
}

// Detector decides whether a conversation window has moved to a new
// subject. Detection is layered: a time-gap heuristic runs first and an
// explicit gap is trusted without consulting the classifier; only
// gapless windows pay for a semantic opinion.
type Detector struct {
	classifier       Classifier
	timeGapThreshold time.Duration
	minMessages      int
}

func NewDetector(classifier Classifier, timeGapSeconds, minMessages int) *Detector {
	if timeGapSeconds <= 0 {
		timeGapSeconds = DefaultTimeGapThreshold
	}
	if minMessages <= 0 {
		minMessages = DefaultMinMessages
	}
	return &Detector{
		classifier:       classifier,
		timeGapThreshold: time.Duration(timeGapSeconds) * time.Second,
		minMessages:      minMessages,
	}
}

// MinMessages reports the configured detection window floor.
func (d *Detector) MinMessages() int {
	return d.minMessages
}

// Evaluate runs one detection pass over a chronological message window.
// Classifier failure fails open: no shift, confidence 0, Incomplete set.
func (d *Detector) Evaluate(ctx context.Context, messages []Message) Verdict {
	if len(messages) < d.minMessages {
		return Verdict{
			Shift:      false,
			Confidence: 1.0,
			Reason:     fmt.Sprintf("insufficient messages (%d < %d)", len(messages), d.minMessages),
		}
	}

	if v, ok := d.checkTimeGap(messages); ok {
		return v
	}

	raw, err := d.classifier.Classify(ctx, FormatTranscript(messages))
	if err != nil {
		log.Printf("[memory] topic classification failed: %v", err)
		return Verdict{
			Shift:      false,
			Confidence: 0.0,
			Reason:     fmt.Sprintf("classifier error: %v", err),
			Incomplete: true,
		}
	}
	return parseClassifierResponse(raw)
}

// checkTimeGap reports a shift verdict if any adjacent pair of messages
// is separated by more than the configured threshold.
func (d *Detector) checkTimeGap(messages []Message) (Verdict, bool) {
	for i := 1; i < len(messages); i++ {
		gap := messages[i].Timestamp.Sub(messages[i-1].Timestamp)
		if gap > d.timeGapThreshold {
			return Verdict{
				Shift:      true,
				Confidence: 1.0,
				Reason:     fmt.Sprintf("time gap of %.0f seconds detected", gap.Seconds()),
			}, true
		}
	}
	return Verdict{}, false
}

// parseClassifierResponse parses the rigid key:value block line by
// line, case-insensitively. Unknown or malformed lines are ignored; a
// fully malformed response degrades to no-shift with the defaults.
func parseClassifierResponse(text string) Verdict {
	v := Verdict{Confidence: 0.5}

	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "SHIFT:"):
			value := strings.ToUpper(strings.TrimSpace(line[len("SHIFT:"):]))
			v.Shift = value == "YES"
		case strings.HasPrefix(upper, "CONFIDENCE:"):
			if f, err := strconv.ParseFloat(strings.TrimSpace(line[len("CONFIDENCE:"):]), 64); err == nil {
				v.Confidence = f
			} else {
				v.Confidence = 0.5
			}
		case strings.HasPrefix(upper, "TOPIC:"):
			topic := strings.TrimSpace(line[len("TOPIC:"):])
			if strings.EqualFold(topic, "same topic") {
				topic = ""
			}
			v.Topic = topic
		case strings.HasPrefix(upper, "REASON:"):
			v.Reason = strings.TrimSpace(line[len("REASON:"):])
		}
	}
	return v
}

// ShouldForceChunk reports whether the window must be finalized on
// size or age pressure, independent of topic content. An empty window
// never forces.
func (d *Detector) ShouldForceChunk(messages []Message, maxAgeSeconds int) bool {
	if len(messages) == 0 {
		return false
	}
	if maxAgeSeconds <= 0 {
		maxAgeSeconds = DefaultForceChunkMaxAge
	}

	if len(messages) >= forceChunkSize {
		log.Printf("[memory] forcing chunk: window holds %d messages", len(messages))
		return true
	}

	age := time.Since(messages[0].Timestamp)
	if age > time.Duration(maxAgeSeconds)*time.Second {
		log.Printf("[memory] forcing chunk: oldest message is %.0fs old (> %ds)", age.Seconds(), maxAgeSeconds)
		return true
	}
	return false
}

// FormatTranscript renders a message window as one line per turn:
// time, speaker label, content. Shared by detection and summarization.
func FormatTranscript(messages []Message) string {
	var sb strings.Builder
	for i, msg := range messages {
		if i > 0 {
			sb.WriteString("\n")
		}
		label := "[" + msg.Username + "]"
		if msg.FromBot {
			label = "[BOT]"
		}
		sb.WriteString(msg.Timestamp.Format("15:04:05"))
		sb.WriteString(" ")
		sb.WriteString(label)
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
	}
	return sb.String()
}
