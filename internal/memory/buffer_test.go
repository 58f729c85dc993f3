package memory

import (
	"fmt"
	"testing"
	"time"
)

func testMessage(id, channelID, content string, ts time.Time) Message {
	return Message{
		ID:        id,
		ChannelID: channelID,
		SenderID:  "u1",
		Username:  "alice",
		Content:   content,
		Timestamp: ts,
	}
}

func TestBufferBoundedPerChannel(t *testing.T) {
	b := NewBuffer(5)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 12; i++ {
		b.Add(testMessage(fmt.Sprintf("m%d", i), "c1", fmt.Sprintf("msg %d", i), base.Add(time.Duration(i)*time.Second)))
	}

	if got := b.Size("c1"); got != 5 {
		t.Fatalf("expected size 5, got %d", got)
	}
	msgs := b.Get("c1", 0)
	if msgs[0].ID != "m7" {
		t.Fatalf("expected oldest retained message m7, got %s", msgs[0].ID)
	}
	if msgs[len(msgs)-1].ID != "m11" {
		t.Fatalf("expected newest message m11, got %s", msgs[len(msgs)-1].ID)
	}
}

func TestBufferChannelsIsolated(t *testing.T) {
	b := NewBuffer(10)
	now := time.Now().UTC()
	b.Add(testMessage("a", "c1", "one", now))
	b.Add(testMessage("b", "c2", "two", now))

	if b.Size("c1") != 1 || b.Size("c2") != 1 {
		t.Fatalf("expected one message per channel, got %d and %d", b.Size("c1"), b.Size("c2"))
	}
	if b.TotalSize() != 2 {
		t.Fatalf("expected total 2, got %d", b.TotalSize())
	}
}

func TestBufferGetMostRecent(t *testing.T) {
	b := NewBuffer(10)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		b.Add(testMessage(fmt.Sprintf("m%d", i), "c1", "x", base.Add(time.Duration(i)*time.Second)))
	}

	got := b.Get("c1", 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].ID != "m4" || got[1].ID != "m5" {
		t.Fatalf("expected m4,m5 got %s,%s", got[0].ID, got[1].ID)
	}
}

func TestBufferGetSinceStrictlyAfter(t *testing.T) {
	b := NewBuffer(10)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		b.Add(testMessage(fmt.Sprintf("m%d", i), "c1", "x", base.Add(time.Duration(i)*time.Minute)))
	}

	got := b.GetSince("c1", base.Add(time.Minute))
	if len(got) != 2 {
		t.Fatalf("expected 2 messages strictly after cutoff, got %d", len(got))
	}
	if got[0].ID != "m2" {
		t.Fatalf("expected m2 first, got %s", got[0].ID)
	}
}

func TestBufferExtractAndClearPartial(t *testing.T) {
	b := NewBuffer(10)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		b.Add(testMessage(fmt.Sprintf("m%d", i), "c1", "x", base.Add(time.Duration(i)*time.Second)))
	}

	extracted := b.ExtractAndClear("c1", 3)
	if len(extracted) != 3 {
		t.Fatalf("expected 3 extracted, got %d", len(extracted))
	}
	if extracted[0].ID != "m0" || extracted[2].ID != "m2" {
		t.Fatalf("extraction must take the oldest messages, got %s..%s", extracted[0].ID, extracted[2].ID)
	}
	if got := b.Size("c1"); got != 2 {
		t.Fatalf("expected 2 remaining, got %d", got)
	}
	remaining := b.Get("c1", 0)
	if remaining[0].ID != "m3" {
		t.Fatalf("expected m3 to remain oldest, got %s", remaining[0].ID)
	}
}

func TestBufferExtractAndClearAll(t *testing.T) {
	b := NewBuffer(10)
	now := time.Now().UTC()
	b.Add(testMessage("a", "c1", "x", now))
	b.Add(testMessage("b", "c1", "y", now))

	extracted := b.ExtractAndClear("c1", 0)
	if len(extracted) != 2 {
		t.Fatalf("expected 2 extracted, got %d", len(extracted))
	}
	if b.Size("c1") != 0 {
		t.Fatalf("expected empty channel after full extraction")
	}
	// extraction leaves the channel known but dormant
	found := false
	for _, id := range b.ActiveChannels() {
		if id == "c1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected channel c1 to stay registered after extraction")
	}
}

func TestBufferLastActivity(t *testing.T) {
	b := NewBuffer(10)
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b.Add(testMessage("a", "c1", "x", ts))

	got, ok := b.LastActivity("c1")
	if !ok {
		t.Fatalf("expected last activity for c1")
	}
	if !got.Equal(ts) {
		t.Fatalf("expected last activity %v, got %v", ts, got)
	}
	if _, ok := b.LastActivity("missing"); ok {
		t.Fatalf("expected no activity for unknown channel")
	}
}
