package bus

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"wabridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishSubscribe(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()

	b.Publish(domain.Message{ID: "m1", ChatJID: "123@s.whatsapp.net"})

	select {
	case msg := <-b.Subscribe():
		if msg.ID != "m1" {
			t.Fatalf("unexpected message %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := New(10, testLogger())
	b.Close()

	// Must not panic on the closed channel.
	b.Publish(domain.Message{ID: "late"})
}

func TestSendReply(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()

	var got domain.Reply
	b.OnReply(func(r domain.Reply) { got = r })
	b.SendReply(domain.Reply{ChatJID: "123@s.whatsapp.net", Text: "hello"})

	if got.ChatJID != "123@s.whatsapp.net" || got.Text != "hello" {
		t.Fatalf("unexpected reply %+v", got)
	}
}

func TestSendReply_NoHandler(t *testing.T) {
	b := New(10, testLogger())
	defer b.Close()

	// Must log and return, not panic.
	b.SendReply(domain.Reply{ChatJID: "x", Text: "y"})
}

func TestClose_Idempotent(t *testing.T) {
	b := New(10, testLogger())
	b.Close()
	b.Close()
}
