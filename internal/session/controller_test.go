package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"wabridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSocket records calls and lets tests inject events.
type fakeSocket struct {
	mu        sync.Mutex
	handler   func(Event)
	openErr   error
	opened    int
	closed    int
	loggedOut int
	saved     int
	sent      []string
	connected bool
	user      string
}

func (f *fakeSocket) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	return f.openErr
}

func (f *fakeSocket) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeSocket) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut++
	return nil
}

func (f *fakeSocket) SendText(ctx context.Context, toJID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, toJID+": "+text)
	return nil
}

func (f *fakeSocket) SaveCredentials(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved++
	return nil
}

func (f *fakeSocket) Subscribe(fn func(Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = fn
}

func (f *fakeSocket) IsConnected() bool { return f.connected }
func (f *fakeSocket) User() string      { return f.user }

func (f *fakeSocket) emit(evt Event) {
	f.mu.Lock()
	fn := f.handler
	f.mu.Unlock()
	if fn != nil {
		fn(evt)
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	socks []*fakeSocket
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	s := &fakeSocket{}
	d.socks = append(d.socks, s)
	return s, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.socks)
}

func (d *fakeDialer) last() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.socks) == 0 {
		return nil
	}
	return d.socks[len(d.socks)-1]
}

func newTestController(d Dialer) *Controller {
	return New(Config{
		Dialer:            d,
		Logger:            testLogger(),
		MaxRetries:        3,
		RetryDelay:        5 * time.Millisecond,
		Cooldown:          50 * time.Millisecond,
		ConnectRetryDelay: 5 * time.Millisecond,
	})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestController_ConnectedResetsRetries(t *testing.T) {
	d := &fakeDialer{}
	c := newTestController(d)
	defer c.Shutdown()

	c.Connect(context.Background())
	sock := d.last()

	sock.emit(EventDisconnected{Reason: "connection closed"})
	if got := c.RetryCount(); got != 1 {
		t.Fatalf("expected retry count 1, got %d", got)
	}

	sock.emit(EventConnected{})
	if got := c.RetryCount(); got != 0 {
		t.Fatalf("expected retry count reset, got %d", got)
	}
	if !c.Authenticated() {
		t.Fatal("expected authenticated state")
	}
}

func TestController_RetriesUntilCeilingThenCoolsDown(t *testing.T) {
	d := &fakeDialer{}
	c := newTestController(d)
	defer c.Shutdown()

	c.Connect(context.Background())

	// Each disconnect schedules a redial; drive the loop up to the ceiling.
	for i := 1; i <= 3; i++ {
		dialsBefore := d.dials()
		d.last().emit(EventDisconnected{Reason: "connection closed"})
		if got := c.RetryCount(); got != i {
			t.Fatalf("attempt %d: expected retry count %d, got %d", i, i, got)
		}
		waitFor(t, func() bool { return d.dials() > dialsBefore }, "expected a reconnect dial")
	}

	// One past the ceiling: the counter resets immediately and the next dial
	// waits out the cooldown instead of the short delay.
	d.last().emit(EventDisconnected{Reason: "connection closed"})
	if got := c.RetryCount(); got != 0 {
		t.Fatalf("expected counter reset past ceiling, got %d", got)
	}
}

func TestController_LoggedOutIsTerminal(t *testing.T) {
	d := &fakeDialer{}
	c := newTestController(d)
	defer c.Shutdown()

	c.Connect(context.Background())
	dials := d.dials()

	d.last().emit(EventDisconnected{LoggedOut: true, Reason: "logged out"})

	time.Sleep(100 * time.Millisecond)
	if d.dials() != dials {
		t.Fatalf("logged-out session must not reconnect, dials went %d -> %d", dials, d.dials())
	}
	if c.Authenticated() {
		t.Fatal("expected unauthenticated state after logout")
	}
}

func TestController_StaleTimerIgnoredAfterReconnect(t *testing.T) {
	d := &fakeDialer{}
	c := newTestController(d)
	defer c.Shutdown()

	c.Connect(context.Background())
	sock := d.last()

	sock.emit(EventDisconnected{Reason: "connection closed"})
	// Authenticate before the timer fires; the pending reconnect must no-op.
	sock.emit(EventConnected{})
	dials := d.dials()

	time.Sleep(100 * time.Millisecond)
	if d.dials() != dials {
		t.Fatalf("stale timer redialed, dials went %d -> %d", dials, d.dials())
	}
}

func TestController_DialFailureRetriesFlat(t *testing.T) {
	d := &fakeDialer{err: errors.New("store locked")}
	c := newTestController(d)
	defer c.Shutdown()

	c.Connect(context.Background())
	if c.RetryCount() != 0 {
		t.Fatal("pre-session failures must not touch the retry counter")
	}

	// Unblock the dialer; the flat retry should eventually get through.
	d.mu.Lock()
	d.err = nil
	d.mu.Unlock()
	waitFor(t, func() bool { return d.dials() > 0 }, "expected a flat retry dial")
}

func TestController_QRStateAndClear(t *testing.T) {
	d := &fakeDialer{}
	c := newTestController(d)
	defer c.Shutdown()

	c.Connect(context.Background())
	sock := d.last()

	sock.emit(EventQR{Code: "2@abc,def,ghi"})
	state, png := c.State()
	if state != domain.StateAwaitingQR {
		t.Fatalf("expected awaiting_qr, got %s", state)
	}
	if len(png) == 0 {
		t.Fatal("expected a QR PNG")
	}
	if _, ok := c.QR(); !ok {
		t.Fatal("expected QR to be available")
	}

	sock.emit(EventConnected{})
	if _, ok := c.QR(); ok {
		t.Fatal("expected QR to be cleared after authentication")
	}
}

func TestController_CredsSaved(t *testing.T) {
	d := &fakeDialer{}
	c := newTestController(d)
	defer c.Shutdown()

	c.Connect(context.Background())
	sock := d.last()

	sock.emit(EventCreds{})
	sock.mu.Lock()
	saved := sock.saved
	sock.mu.Unlock()
	if saved != 1 {
		t.Fatalf("expected 1 credential save, got %d", saved)
	}
}

func TestController_SendTextRequiresAuth(t *testing.T) {
	d := &fakeDialer{}
	c := newTestController(d)
	defer c.Shutdown()

	c.Connect(context.Background())
	if err := c.SendText(context.Background(), "123@s.whatsapp.net", "hi"); err == nil {
		t.Fatal("expected error before authentication")
	}

	d.last().emit(EventConnected{})
	if err := c.SendText(context.Background(), "123@s.whatsapp.net", "hi"); err != nil {
		t.Fatalf("expected send to succeed: %v", err)
	}
}

func TestNormalizeRecipient(t *testing.T) {
	if got := NormalizeRecipient("123456789"); got != "123456789@s.whatsapp.net" {
		t.Fatalf("expected suffix to be added, got %q", got)
	}
	if got := NormalizeRecipient("123@g.us"); got != "123@g.us" {
		t.Fatalf("expected JID to pass through, got %q", got)
	}
}
