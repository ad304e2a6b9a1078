package transport

import (
	"fmt"
	"sync"

	"relay/internal/logging"
)

// OutboundMessage is one reply captured by the channel transport. The JSON
// shape is the wire format of the relayd stdout bridge.
type OutboundMessage struct {
	ChatID   string `json:"chat_id"`
	Text     string `json:"text,omitempty"`
	Media    []byte `json:"media,omitempty"`
	Mimetype string `json:"mimetype,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// ChannelTransport is an in-process Transport backed by a channel. It serves
// embedders that consume replies programmatically, and tests that assert on
// reply order.
type ChannelTransport struct {
	mu     sync.Mutex
	out    chan OutboundMessage
	closed bool
}

// NewChannelTransport creates a channel transport with the given buffer.
func NewChannelTransport(buffer int) *ChannelTransport {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelTransport{out: make(chan OutboundMessage, buffer)}
}

// Outbound exposes the reply stream.
func (t *ChannelTransport) Outbound() <-chan OutboundMessage {
	return t.out
}

// Send queues a text reply.
func (t *ChannelTransport) Send(chatID, text string) error {
	return t.deliver(OutboundMessage{ChatID: chatID, Text: text})
}

// SendMedia queues a media reply.
func (t *ChannelTransport) SendMedia(chatID string, data []byte, mimetype, caption string) error {
	return t.deliver(OutboundMessage{
		ChatID:   chatID,
		Media:    data,
		Mimetype: mimetype,
		Caption:  caption,
	})
}

func (t *ChannelTransport) deliver(msg OutboundMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transport closed")
	}

	select {
	case t.out <- msg:
		logging.TransportDebug("Delivered reply to %s (%d bytes)", msg.ChatID, len(msg.Text)+len(msg.Media))
		return nil
	default:
		return fmt.Errorf("transport buffer full for chat %s", msg.ChatID)
	}
}

// Close closes the outbound stream. Further sends fail.
func (t *ChannelTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		t.closed = true
		close(t.out)
	}
}
