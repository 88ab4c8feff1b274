// Package session owns the WhatsApp connection lifecycle: it establishes the
// session, tracks authentication and QR state, and re-establishes the session
// on failure with a bounded-retry backoff.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/skip2/go-qrcode"

	"wabridge/internal/bus"
	"wabridge/internal/domain"
	"wabridge/internal/metrics"
)

const qrImageSize = 256

// Config wires a Controller. Zero durations and counts fall back to the
// defaults below.
type Config struct {
	Dialer   Dialer
	Bus      *bus.Bus
	Logger   *slog.Logger
	Notifier Notifier // optional

	MaxRetries        int           // backoff ceiling, default 10
	RetryDelay        time.Duration // default 3s
	Cooldown          time.Duration // default 30s
	ConnectRetryDelay time.Duration // flat delay for pre-event failures, default 5s
}

// Controller drives a single logical WhatsApp session. All mutable session
// state (socket handle, connection state, QR payload, retry counter) lives
// here, guarded by one mutex; handlers stay short and never block on it.
type Controller struct {
	dialer   Dialer
	bus      *bus.Bus
	logger   *slog.Logger
	notifier Notifier

	maxRetries        int
	retryDelay        time.Duration
	cooldown          time.Duration
	connectRetryDelay time.Duration

	mu         sync.Mutex
	sock       Socket
	state      domain.ConnState
	qrPNG      []byte
	retries    int
	generation uint64
	closed     bool
}

func New(cfg Config) *Controller {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 3 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ConnectRetryDelay <= 0 {
		cfg.ConnectRetryDelay = 5 * time.Second
	}
	return &Controller{
		dialer:            cfg.Dialer,
		bus:               cfg.Bus,
		logger:            cfg.Logger,
		notifier:          cfg.Notifier,
		maxRetries:        cfg.MaxRetries,
		retryDelay:        cfg.RetryDelay,
		cooldown:          cfg.Cooldown,
		connectRetryDelay: cfg.ConnectRetryDelay,
		state:             domain.StateDisconnected,
	}
}

// Connect establishes the session. Subscription happens immediately; state
// evolves asynchronously through events, so this does not block on
// authentication completing.
func (c *Controller) Connect(ctx context.Context) {
	if c.bus != nil {
		c.bus.OnReply(func(r domain.Reply) {
			if err := c.SendText(ctx, r.ChatJID, r.Text); err != nil {
				c.logger.Error("reply send failed", "chat", r.ChatJID, "err", err)
			}
		})
	}
	c.connect(ctx)
}

// connect runs one dial-and-open attempt. Failures here happen before the
// event-driven state machine is wired up, so they take the flat retry path
// rather than the post-connection backoff.
func (c *Controller) connect(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	gen := c.generation
	c.mu.Unlock()

	sock, err := c.dialer.Dial(ctx)
	if err != nil {
		c.logger.Error("session dial failed", "err", err, "retry_in", c.connectRetryDelay)
		c.scheduleFlatRetry(ctx, gen)
		return
	}

	sock.Subscribe(func(evt Event) {
		c.handleEvent(ctx, evt)
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sock.Close()
		return
	}
	if c.sock != nil {
		c.sock.Close()
	}
	c.sock = sock
	c.mu.Unlock()

	if err := sock.Open(); err != nil {
		c.logger.Error("session open failed", "err", err, "retry_in", c.connectRetryDelay)
		c.scheduleFlatRetry(ctx, gen)
	}
}

func (c *Controller) handleEvent(ctx context.Context, evt Event) {
	switch e := evt.(type) {
	case EventQR:
		c.handleQR(e)
	case EventConnected:
		c.handleConnected()
	case EventDisconnected:
		c.handleDisconnected(ctx, e)
	case EventCreds:
		c.handleCreds(ctx)
	case EventMessage:
		c.handleMessage(e.Message)
	}
}

func (c *Controller) handleQR(e EventQR) {
	png, err := qrcode.Encode(e.Code, qrcode.Medium, qrImageSize)
	if err != nil {
		c.logger.Error("QR encode failed", "err", err)
		return
	}

	c.mu.Lock()
	c.state = domain.StateAwaitingQR
	c.qrPNG = png
	c.mu.Unlock()

	metrics.ConnectionState.Set(int64(domain.StateAwaitingQR))
	c.logger.Info("QR code received, scan it to authenticate")
}

func (c *Controller) handleConnected() {
	c.mu.Lock()
	c.state = domain.StateAuthenticated
	c.qrPNG = nil
	c.retries = 0
	// Bump the generation so timers from the superseded attempt become no-ops.
	c.generation++
	c.mu.Unlock()

	metrics.ConnectionState.Set(int64(domain.StateAuthenticated))
	c.logger.Info("session authenticated")
}

func (c *Controller) handleDisconnected(ctx context.Context, e EventDisconnected) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = domain.StateDisconnected
	metrics.ConnectionState.Set(int64(domain.StateDisconnected))

	if e.LoggedOut {
		// Terminal: stored credentials are invalid, a new QR pairing is
		// required. Never reconnect automatically.
		c.generation++
		c.retries = 0
		c.mu.Unlock()
		c.logger.Warn("session logged out, re-authentication required", "reason", e.Reason)
		c.alert("wabridge: WhatsApp session logged out, scan a new QR code to resume")
		return
	}

	c.retries++
	var delay time.Duration
	if c.retries > c.maxRetries {
		// Ceiling exceeded: back off hard and start counting again, so a
		// misbehaving server cannot trigger a reconnect storm and the counter
		// never grows unbounded.
		c.retries = 0
		delay = c.cooldown
	} else {
		delay = c.retryDelay
	}
	attempt := c.retries
	gen := c.generation
	c.mu.Unlock()

	if delay == c.cooldown {
		c.logger.Warn("reconnect ceiling reached, cooling down",
			"reason", e.Reason, "cooldown", delay)
		c.alert(fmt.Sprintf("wabridge: reconnect ceiling reached, next attempt in %s", delay))
	} else {
		c.logger.Info("connection closed, scheduling reconnect",
			"reason", e.Reason, "attempt", attempt, "max", c.maxRetries, "delay", delay)
	}

	c.scheduleReconnect(ctx, gen, delay)
}

// scheduleReconnect arms a deferred reconnect. The timer is keyed to the
// connection generation: if a newer connection succeeded (or logout happened)
// before it fires, it detects the stale generation and does nothing.
func (c *Controller) scheduleReconnect(ctx context.Context, gen uint64, delay time.Duration) {
	metrics.ReconnectsTotal.Inc()
	time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.closed || c.generation != gen || c.state == domain.StateAuthenticated {
			c.mu.Unlock()
			c.logger.Debug("stale reconnect timer, ignoring")
			return
		}
		c.mu.Unlock()
		c.connect(ctx)
	})
}

func (c *Controller) scheduleFlatRetry(ctx context.Context, gen uint64) {
	time.AfterFunc(c.connectRetryDelay, func() {
		c.mu.Lock()
		if c.closed || c.generation != gen || c.state == domain.StateAuthenticated {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.connect(ctx)
	})
}

func (c *Controller) handleCreds(ctx context.Context) {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return
	}
	// Persistence failure is non-fatal: the live session keeps working, the
	// next restart just needs a new pairing.
	if err := sock.SaveCredentials(ctx); err != nil {
		c.logger.Warn("credential save failed", "err", err)
		return
	}
	c.logger.Debug("credentials saved")
}

func (c *Controller) handleMessage(msg domain.Message) {
	metrics.MessagesTotal.Inc()
	if msg.FromMe {
		return
	}
	if c.bus != nil {
		c.bus.Publish(msg)
	}
}

func (c *Controller) alert(text string) {
	if c.notifier != nil {
		c.notifier.Alert(text)
	}
}

// State returns the current connection state and the QR PNG, if one is
// pending.
func (c *Controller) State() (domain.ConnState, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.qrPNG
}

// Authenticated reports whether the session is open and authenticated.
func (c *Controller) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == domain.StateAuthenticated
}

// Connected reports whether the underlying transport is up.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	return sock != nil && sock.IsConnected()
}

// User returns the authenticated account identifier, or "".
func (c *Controller) User() string {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return ""
	}
	return sock.User()
}

// QR returns the pending QR image.
func (c *Controller) QR() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.qrPNG) == 0 {
		return nil, false
	}
	return c.qrPNG, true
}

// RetryCount returns the consecutive reconnect attempts since the last
// successful authentication.
func (c *Controller) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// SendText delivers a text message through the live socket.
func (c *Controller) SendText(ctx context.Context, toJID, text string) error {
	c.mu.Lock()
	sock := c.sock
	state := c.state
	c.mu.Unlock()
	if sock == nil || state != domain.StateAuthenticated {
		return fmt.Errorf("not authenticated")
	}
	return sock.SendText(ctx, toJID, text)
}

// Logout ends the session permanently: credentials are invalidated and no
// reconnect is scheduled.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	sock := c.sock
	c.generation++
	c.state = domain.StateDisconnected
	c.qrPNG = nil
	c.retries = 0
	c.mu.Unlock()

	metrics.ConnectionState.Set(int64(domain.StateDisconnected))
	if sock == nil {
		return nil
	}
	if err := sock.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Shutdown closes the live socket, best effort, and invalidates pending
// timers.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	c.closed = true
	c.generation++
	sock := c.sock
	c.sock = nil
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
}

// NormalizeRecipient turns a bare phone number into a user JID; identifiers
// that already carry a server suffix pass through verbatim.
func NormalizeRecipient(number string) string {
	if strings.Contains(number, "@") {
		return number
	}
	return number + "@s.whatsapp.net"
}
