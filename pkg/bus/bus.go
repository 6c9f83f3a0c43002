package bus

import (
	"context"
)

// InboundMessage is a gated, normalized chat message handed to the agent loop.
type InboundMessage struct {
	Channel    string
	Account    string
	ChatID     string
	SenderID   string
	SessionKey string
	AgentID    string
	Content    string
	Metadata   map[string]string
}

// OutboundMessage is a reply produced by the agent loop, addressed by the
// same channel/account/chat triple the inbound message carried.
type OutboundMessage struct {
	Channel    string
	Account    string
	ChatID     string
	SessionKey string
	Content    string
	MediaURLs  []string
}

type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, 128),
		outbound: make(chan OutboundMessage, 128),
	}
}

func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// ConsumeInbound blocks until a message arrives or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// SubscribeOutbound blocks until a message arrives or ctx is done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}
