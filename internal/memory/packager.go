package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrEmptyChunk is returned when packaging is attempted on an empty
// message list. This is a caller invariant violation, not an
// operational condition.
var ErrEmptyChunk = errors.New("cannot package empty message list")

const chunkIDLength = 12

// Packager assembles finalized segments into immutable chunks and
// renders them to the two output formats: a role-tagged record list for
// training and an annotated markdown document for retrieval upload.
// Persisted chunks land in per-channel per-day append-only JSONL files.
type Packager struct {
	dataDir string
}

func NewPackager(dataDir string) (*Packager, error) {
	if dataDir == "" {
		dataDir = filepath.Join("data", "conversations")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Packager{dataDir: dataDir}, nil
}

// Package builds a chunk from a finalized segment. The chunk identifier
// is a content-derived hash, so identical segments (for example across
// a crash and replay) collide to the same ID and deduplicate downstream.
func (p *Packager) Package(messages []Message, channelID, channelName string, reflection *Reflection) (*Chunk, error) {
	if len(messages) == 0 {
		return nil, ErrEmptyChunk
	}

	return &Chunk{
		ID:           chunkID(messages),
		ChannelID:    channelID,
		ChannelName:  channelName,
		Start:        messages[0].Timestamp,
		End:          messages[len(messages)-1].Timestamp,
		Participants: ParticipantNames(messages),
		MessageCount: len(messages),
		Messages:     messages,
		Reflection:   reflection,
	}, nil
}

// chunkID hashes the ordered message identities and timestamps,
// truncated to a short hex digest. Collisions are negligible at this
// length for this workload.
func chunkID(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		parts = append(parts, msg.ID+":"+msg.Timestamp.Format(time.RFC3339Nano))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:chunkIDLength]
}

// TrainingRecords projects the chunk into role-tagged records, one per
// message, preserving order. Bot turns become "assistant".
func (p *Packager) TrainingRecords(chunk *Chunk) []TrainingRecord {
	records := make([]TrainingRecord, 0, len(chunk.Messages))
	for _, msg := range chunk.Messages {
		role := "user"
		if msg.FromBot {
			role = "assistant"
		}
		records = append(records, TrainingRecord{Role: role, Content: msg.Content})
	}
	return records
}

// documentMeta is the front-matter header of the rendered document.
type documentMeta struct {
	Type            string   `yaml:"type"`
	Topic           string   `yaml:"topic,omitempty"`
	Channel         string   `yaml:"channel"`
	ChannelID       string   `yaml:"channel_id"`
	Date            string   `yaml:"date"`
	TimeStart       string   `yaml:"time_start"`
	TimeEnd         string   `yaml:"time_end"`
	DurationMinutes int      `yaml:"duration_minutes"`
	Participants    []string `yaml:"participants,omitempty"`
	MessageCount    int      `yaml:"message_count"`
	Tags            []string `yaml:"tags,omitempty"`
	Related         []string `yaml:"related,omitempty"`
}

// RenderDocument renders the annotated document format: YAML front
// matter, reflection sections (each only when non-empty), then the
// verbatim chronological transcript. A chunk with no reflection simply
// omits the reflection material.
func (p *Packager) RenderDocument(chunk *Chunk) string {
	meta := documentMeta{
		Type:            "conversation",
		Channel:         chunk.ChannelName,
		ChannelID:       chunk.ChannelID,
		Date:            chunk.End.Format("2006-01-02"),
		TimeStart:       chunk.Start.Format("15:04:05"),
		TimeEnd:         chunk.End.Format("15:04:05"),
		DurationMinutes: int(chunk.End.Sub(chunk.Start).Minutes()),
		Participants:    chunk.Participants,
		MessageCount:    chunk.MessageCount,
	}

	title := "Conversation"
	if refl := chunk.Reflection; refl != nil {
		meta.Topic = refl.Topic
		meta.Tags = refl.Tags
		for _, topic := range refl.Connections.RelatedTopics {
			meta.Related = append(meta.Related, "[["+titleCase(topic)+"]]")
		}
		if refl.Topic != "" {
			title = refl.Topic
		}
	}

	var sb strings.Builder
	sb.WriteString("---\n")
	if data, err := yaml.Marshal(meta); err != nil {
		log.Printf("[memory] render document metadata: %v", err)
	} else {
		sb.Write(data)
	}
	sb.WriteString("---\n\n")
	sb.WriteString("# " + title + "\n")

	if refl := chunk.Reflection; refl != nil {
		sb.WriteString("\n## Reflection\n")
		writeSection(&sb, "What Happened", refl.WhatHappened)
		writeListSection(&sb, "Key Insights", refl.KeyInsights)
		writeListSection(&sb, "What I Learned About the User", refl.AboutTheUser)
		writeListSection(&sb, "Decisions Made", refl.DecisionsMade)
		writeListSection(&sb, "What Went Well", refl.WhatWentWell)
		writeListSection(&sb, "What Could Be Improved", refl.WhatCouldImprove)

		conn := refl.Connections
		if len(conn.RelatedTopics) > 0 || len(conn.LikelyNextQuestions) > 0 {
			sb.WriteString("\n### Connections\n")
			if len(conn.RelatedTopics) > 0 {
				sb.WriteString("- Related to: " + strings.Join(conn.RelatedTopics, ", ") + "\n")
			}
			if len(conn.LikelyNextQuestions) > 0 {
				sb.WriteString("- User might next ask about: " + strings.Join(conn.LikelyNextQuestions, ", ") + "\n")
			}
		}
	}

	sb.WriteString("\n---\n\n## Transcript\n")
	for _, msg := range chunk.Messages {
		author := msg.Username
		if msg.FromBot {
			author = "Bot"
		}
		sb.WriteString(fmt.Sprintf("[%s] %s: %s\n", msg.Timestamp.Format("15:04:05"), author, msg.Content))
	}
	return sb.String()
}

func writeSection(sb *strings.Builder, heading, body string) {
	if body == "" {
		return
	}
	sb.WriteString("\n### " + heading + "\n")
	sb.WriteString(body + "\n")
}

func writeListSection(sb *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	sb.WriteString("\n### " + heading + "\n")
	for _, item := range items {
		sb.WriteString("- " + item + "\n")
	}
}

// titleCase upper-cases the first letter of each word, for wiki-link
// cross references.
func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		if len(r) > 0 && r[0] >= 'a' && r[0] <= 'z' {
			r[0] = r[0] - 'a' + 'A'
		}
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// chunkRecord is the serialized form appended to the daily JSONL log.
type chunkRecord struct {
	Messages   []TrainingRecord `json:"messages"`
	Metadata   chunkRecordMeta  `json:"metadata"`
	Reflection *Reflection      `json:"reflection,omitempty"`
}

type chunkRecordMeta struct {
	ChunkID      string   `json:"chunk_id"`
	ChannelID    string   `json:"channel_id"`
	ChannelName  string   `json:"channel_name"`
	Start        string   `json:"timestamp_start"`
	End          string   `json:"timestamp_end"`
	Participants []string `json:"participants"`
	MessageCount int      `json:"message_count"`
}

// Persist appends the chunk's structured form as one line to the
// channel's file for the calendar day of the segment's end timestamp.
// Files only ever grow; replayed chunks duplicate a line and are
// absorbed downstream by the uploader's dedup.
func (p *Packager) Persist(chunk *Chunk) (string, error) {
	channelDir := filepath.Join(p.dataDir, chunk.ChannelID)
	if err := os.MkdirAll(channelDir, 0755); err != nil {
		return "", fmt.Errorf("create channel dir: %w", err)
	}

	record := chunkRecord{
		Messages: p.TrainingRecords(chunk),
		Metadata: chunkRecordMeta{
			ChunkID:      chunk.ID,
			ChannelID:    chunk.ChannelID,
			ChannelName:  chunk.ChannelName,
			Start:        chunk.Start.Format(time.RFC3339Nano),
			End:          chunk.End.Format(time.RFC3339Nano),
			Participants: chunk.Participants,
			MessageCount: chunk.MessageCount,
		},
		Reflection: chunk.Reflection,
	}

	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("marshal chunk: %w", err)
	}

	path := filepath.Join(channelDir, chunk.End.UTC().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("open day file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return "", fmt.Errorf("append chunk: %w", err)
	}
	return path, nil
}

// DailyChunks loads every chunk recorded for a channel on a given day.
// Malformed lines are skipped with a log entry.
func (p *Packager) DailyChunks(channelID string, day time.Time) ([]map[string]any, error) {
	path := filepath.Join(p.dataDir, channelID, day.UTC().Format("2006-01-02")+".jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read day file: %w", err)
	}

	chunks := make([]map[string]any, 0)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			log.Printf("[memory] skip malformed chunk line: %v", err)
			continue
		}
		chunks = append(chunks, decoded)
	}
	return chunks, nil
}
