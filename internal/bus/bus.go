// Package bus is the in-process pipe between the WhatsApp session and the
// relay worker: inbound messages flow through a buffered channel, replies go
// back through a registered handler.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"wabridge/internal/domain"
)

const publishTimeout = 10 * time.Second

// Bus is a Go-channel based message bus for in-process communication.
type Bus struct {
	inbound chan domain.Message
	reply   func(domain.Reply)
	mu      sync.RWMutex
	closed  bool
	logger  *slog.Logger
}

// New creates a Bus with the given inbound buffer size.
func New(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		inbound: make(chan domain.Message, bufferSize),
		logger:  logger,
	}
}

// Publish enqueues an inbound message. Blocks up to 10 seconds if the bus is
// full instead of dropping.
func (b *Bus) Publish(msg domain.Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus")
		return
	}

	select {
	case b.inbound <- msg:
	default:
		b.logger.Warn("inbound bus full, waiting...", "chat", msg.ChatJID)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.inbound <- msg:
			b.logger.Info("message delivered after wait", "chat", msg.ChatJID)
		case <-timer.C:
			b.logger.Error("message dropped: bus full for 10s",
				"chat", msg.ChatJID,
				"sender", msg.SenderJID,
			)
		}
	}
}

// Subscribe returns the inbound message stream.
func (b *Bus) Subscribe() <-chan domain.Message {
	return b.inbound
}

// SendReply routes an outbound reply to the registered handler.
func (b *Bus) SendReply(r domain.Reply) {
	b.mu.RLock()
	handler := b.reply
	b.mu.RUnlock()

	if handler == nil {
		b.logger.Warn("no reply handler registered", "chat", r.ChatJID)
		return
	}
	handler(r)
}

// OnReply registers the handler that delivers replies back into the chat.
func (b *Bus) OnReply(handler func(domain.Reply)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reply = handler
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
