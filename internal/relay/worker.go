package relay

import (
	"context"
	"log/slog"

	"wabridge/internal/bus"
	"wabridge/internal/domain"
	"wabridge/internal/filter"
)

// Worker consumes inbound messages from the bus, applies the chat filter, and
// hands qualifying messages to the relay. Replies go back through the bus.
type Worker struct {
	relay   *Relay
	bus     *bus.Bus
	chats   filter.Set
	jidOnly bool
	logger  *slog.Logger
}

type WorkerConfig struct {
	Relay   *Relay
	Bus     *bus.Bus
	Chats   filter.Set
	JIDOnly bool
	Logger  *slog.Logger
}

func NewWorker(cfg WorkerConfig) *Worker {
	return &Worker{
		relay:   cfg.Relay,
		bus:     cfg.Bus,
		chats:   cfg.Chats,
		jidOnly: cfg.JIDOnly,
		logger:  cfg.Logger,
	}
}

// Run processes messages until the context is cancelled or the bus closes.
func (w *Worker) Run(ctx context.Context) {
	inbound := w.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			w.handle(ctx, msg)
		}
	}
}

// handle isolates one message: a panic or error here is logged and must not
// abort the rest of the batch.
func (w *Worker) handle(ctx context.Context, msg domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("message handler panic", "chat", msg.ChatJID, "panic", r)
		}
	}()

	// Self-sent messages are never monitored.
	if msg.FromMe {
		return
	}
	if !w.chats.Matches(msg, w.jidOnly) {
		return
	}

	reply, ok := w.relay.Process(ctx, msg)
	if !ok {
		return
	}
	w.bus.SendReply(domain.Reply{ChatJID: msg.ChatJID, Text: reply})
}
