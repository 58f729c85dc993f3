package memory

import (
	"sync"
	"time"
)

// Buffer keeps a bounded sliding window of recent messages per channel.
// It is the raw substrate for topic detection and chunk creation: the
// ingestion path appends while the scan loop reads and extracts, so all
// operations take the buffer lock. Each operation is independently
// atomic; no invariant spans two calls.
type Buffer struct {
	maxSize int

	mu           sync.Mutex
	buffers      map[string][]Message
	lastActivity map[string]time.Time
}

func NewBuffer(maxSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Buffer{
		maxSize:      maxSize,
		buffers:      make(map[string][]Message),
		lastActivity: make(map[string]time.Time),
	}
}

// Add appends a message to its channel's window, silently evicting the
// oldest entry at capacity. The channel's last-activity timestamp is set
// to this message's timestamp unconditionally; the buffer never reorders.
func (b *Buffer) Add(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := b.buffers[msg.ChannelID]
	if len(buf) >= b.maxSize {
		buf = buf[1:]
	}
	b.buffers[msg.ChannelID] = append(buf, msg)
	b.lastActivity[msg.ChannelID] = msg.Timestamp
}

// Get returns messages in chronological order. A positive count limits
// the result to the most recent count entries.
func (b *Buffer) Get(channelID string, count int) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := b.buffers[channelID]
	if count > 0 && count < len(buf) {
		buf = buf[len(buf)-count:]
	}
	out := make([]Message, len(buf))
	copy(out, buf)
	return out
}

// GetSince returns the chronological subsequence with timestamps
// strictly after cutoff.
func (b *Buffer) GetSince(channelID string, cutoff time.Time) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Message, 0)
	for _, msg := range b.buffers[channelID] {
		if msg.Timestamp.After(cutoff) {
			out = append(out, msg)
		}
	}
	return out
}

// ExtractAndClear removes and returns the oldest count messages, leaving
// any remainder in place. A count <= 0 (or >= the current size) empties
// the channel. This is how a finalized segment is consumed without
// destroying tail messages that raced in during finalization.
func (b *Buffer) ExtractAndClear(channelID string, count int) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := b.buffers[channelID]
	if len(buf) == 0 {
		return nil
	}
	if count <= 0 || count >= len(buf) {
		count = len(buf)
	}

	extracted := make([]Message, count)
	copy(extracted, buf[:count])
	b.buffers[channelID] = append([]Message(nil), buf[count:]...)
	return extracted
}

func (b *Buffer) Size(channelID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffers[channelID])
}

func (b *Buffer) TotalSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, buf := range b.buffers {
		total += len(buf)
	}
	return total
}

func (b *Buffer) ActiveChannels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.buffers))
	for id := range b.buffers {
		ids = append(ids, id)
	}
	return ids
}

// LastActivity returns the timestamp of the most recently added message
// for the channel; the second result is false if nothing was ever added.
func (b *Buffer) LastActivity(channelID string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.lastActivity[channelID]
	return t, ok
}

// SecondsSinceLastActivity returns the idle time for a channel, or
// false if the channel has never seen a message.
func (b *Buffer) SecondsSinceLastActivity(channelID string) (float64, bool) {
	b.mu.Lock()
	last, ok := b.lastActivity[channelID]
	b.mu.Unlock()
	if !ok {
		return 0, false
	}
	return time.Since(last).Seconds(), true
}

// Clear drops a channel's messages. The channel stays known (dormant),
// matching the lazy-create-never-destroy lifecycle.
func (b *Buffer) Clear(channelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.buffers[channelID]; ok {
		b.buffers[channelID] = nil
	}
}
