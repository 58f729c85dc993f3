package bus

import (
	"context"
	"log"
	"sync"
)

// MessageBus decouples channel adapters from the gateway. Adapters push
// to Inbound; the gateway pushes replies to Outbound, which are fanned
// out to the per-channel handler registered by each adapter.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu       sync.RWMutex
	handlers map[string]func(OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 100
	}
	return &MessageBus{
		Inbound:  make(chan InboundMessage, bufSize),
		Outbound: make(chan OutboundMessage, bufSize),
		handlers: make(map[string]func(OutboundMessage)),
	}
}

// SubscribeOutbound registers the delivery handler for a channel name.
// The last registration for a name wins.
func (b *MessageBus) SubscribeOutbound(channel string, handler func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channel] = handler
}

// DispatchOutbound routes outbound messages to their channel handler
// until the context is cancelled. Messages for unknown channels are
// dropped with a log line.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.mu.RLock()
			handler := b.handlers[msg.Channel]
			b.mu.RUnlock()
			if handler == nil {
				log.Printf("[bus] no handler for channel %s, dropping message", msg.Channel)
				continue
			}
			handler(msg)
		case <-ctx.Done():
			return
		}
	}
}
