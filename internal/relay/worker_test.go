package relay

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"

	"wabridge/internal/bus"
	"wabridge/internal/domain"
	"wabridge/internal/filter"
)

func newTestWorker(t *testing.T, r *Relay, chats filter.Set, jidOnly bool) (*Worker, *atomic.Int32) {
	t.Helper()
	b := bus.New(10, testLogger())
	t.Cleanup(b.Close)

	var replies atomic.Int32
	b.OnReply(func(domain.Reply) { replies.Add(1) })

	w := NewWorker(WorkerConfig{
		Relay:   r,
		Bus:     b,
		Chats:   chats,
		JIDOnly: jidOnly,
		Logger:  testLogger(),
	})
	return w, &replies
}

func TestWorker_SkipsSelfMessages(t *testing.T) {
	r := newTestRelay(t, func(w http.ResponseWriter, req *http.Request) {
		t.Fatal("no request expected for self-sent messages")
	})
	w, replies := newTestWorker(t, r, filter.New([]string{"123@s.whatsapp.net"}), true)

	msg := imageMessage("")
	msg.FromMe = true
	w.handle(context.Background(), msg)

	if replies.Load() != 0 {
		t.Fatal("self-sent message must not produce a reply")
	}
}

func TestWorker_SkipsUnmonitoredChat(t *testing.T) {
	r := newTestRelay(t, func(w http.ResponseWriter, req *http.Request) {
		t.Fatal("no request expected for unmonitored chats")
	})
	w, replies := newTestWorker(t, r, filter.New([]string{"other@s.whatsapp.net"}), true)

	w.handle(context.Background(), imageMessage(""))

	if replies.Load() != 0 {
		t.Fatal("unmonitored chat must not produce a reply")
	}
}

func TestWorker_RepliesForMonitoredChat(t *testing.T) {
	r := newTestRelay(t, func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"success":true,"objects_detected":0,"detections":[]}`))
	})
	w, replies := newTestWorker(t, r, filter.New([]string{"123@s.whatsapp.net"}), true)

	w.handle(context.Background(), imageMessage(""))

	if replies.Load() != 1 {
		t.Fatalf("expected 1 reply, got %d", replies.Load())
	}
}

func TestWorker_RecoversFromPanic(t *testing.T) {
	r := newTestRelay(t, func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"success":true}`))
	})
	w, _ := newTestWorker(t, r, filter.New([]string{"123@s.whatsapp.net"}), true)

	msg := imageMessage("")
	msg.Attachment.Fetch = func(ctx context.Context) ([]byte, error) {
		panic("download exploded")
	}
	w.handle(context.Background(), msg) // must not propagate
}
