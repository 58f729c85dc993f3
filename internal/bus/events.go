package bus

import "time"

// InboundMessage is a platform-neutral message arriving from a chat
// channel adapter.
type InboundMessage struct {
	Channel     string
	MessageID   string
	ChatID      string
	ChannelName string
	SenderID    string
	SenderName  string
	Content     string
	Timestamp   time.Time
	FromBot     bool
	Metadata    map[string]any
}

func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is a reply headed back to a chat channel adapter.
type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Metadata map[string]any
}
