// Package wa adapts whatsmeow to the session.Socket interface. Everything
// WhatsApp-protocol-specific stays in here; the rest of the program only sees
// domain messages and session events.
package wa

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"

	"wabridge/internal/session"
)

// Dialer creates whatsmeow-backed sockets on top of a shared SQLite device
// store. The store container is created lazily on the first dial and reused
// for every reconnect after that.
type Dialer struct {
	storeDir string
	logger   *slog.Logger

	mu        sync.Mutex
	container *sqlstore.Container
}

func NewDialer(storeDir string, logger *slog.Logger) *Dialer {
	return &Dialer{storeDir: storeDir, logger: logger}
}

func (d *Dialer) ensureContainer(ctx context.Context) (*sqlstore.Container, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.container != nil {
		return d.container, nil
	}

	if err := os.MkdirAll(d.storeDir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create store directory %s: %w", d.storeDir, err)
	}

	dsn := fmt.Sprintf("file:%s/whatsapp.db?_foreign_keys=on", d.storeDir)
	container, err := sqlstore.New(ctx, "sqlite3", dsn, newWALogger(d.logger.With("component", "wa-store")))
	if err != nil {
		return nil, fmt.Errorf("cannot open device store: %w", err)
	}
	d.container = container
	return container, nil
}

// Dial loads (or creates) the device credentials and builds a socket around a
// fresh whatsmeow client.
func (d *Dialer) Dial(ctx context.Context) (session.Socket, error) {
	container, err := d.ensureContainer(ctx)
	if err != nil {
		return nil, err
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("cannot load device: %w", err)
		}
		device = container.NewDevice()
	}

	client := whatsmeow.NewClient(device, newWALogger(d.logger.With("component", "wa-client")))
	return &socket{client: client, logger: d.logger}, nil
}

// socket wraps one whatsmeow client instance.
type socket struct {
	client  *whatsmeow.Client
	logger  *slog.Logger
	handler func(session.Event)
}

func (s *socket) Subscribe(fn func(session.Event)) {
	s.handler = fn
}

func (s *socket) emit(evt session.Event) {
	if s.handler != nil {
		s.handler(evt)
	}
}

// Open connects the client. When no credentials exist yet, the QR channel is
// drained in the background and each pairing code is surfaced as an event.
func (s *socket) Open() error {
	s.client.AddEventHandler(s.dispatch)

	if s.client.Store.ID == nil {
		// GetQRChannel must be called before Connect on an unpaired client.
		qrChan, err := s.client.GetQRChannel(context.Background())
		if err != nil {
			return fmt.Errorf("cannot open QR channel: %w", err)
		}
		go func() {
			for item := range qrChan {
				switch item.Event {
				case "code":
					s.emit(session.EventQR{Code: item.Code})
				case "success":
					s.logger.Info("QR pairing complete")
				default:
					s.logger.Warn("QR channel event", "event", item.Event)
				}
			}
		}()
	}

	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (s *socket) dispatch(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		s.emit(session.EventConnected{})
	case *events.PairSuccess:
		s.emit(session.EventCreds{})
	case *events.LoggedOut:
		s.emit(session.EventDisconnected{LoggedOut: true, Reason: "logged out"})
	case *events.StreamReplaced:
		s.emit(session.EventDisconnected{Reason: "stream replaced"})
	case *events.Disconnected:
		s.emit(session.EventDisconnected{Reason: "connection closed"})
	case *events.Message:
		s.emit(session.EventMessage{Message: s.toDomain(v)})
	}
}

func (s *socket) Close() {
	s.client.Disconnect()
}

func (s *socket) Logout(ctx context.Context) error {
	return s.client.Logout(ctx)
}

func (s *socket) SendText(ctx context.Context, toJID, text string) error {
	jid, err := types.ParseJID(toJID)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", toJID, err)
	}
	_, err = s.client.SendMessage(ctx, jid, &waProto.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", toJID, err)
	}
	return nil
}

func (s *socket) SaveCredentials(ctx context.Context) error {
	return s.client.Store.Save(ctx)
}

func (s *socket) IsConnected() bool {
	return s.client.IsConnected()
}

func (s *socket) User() string {
	id := s.client.Store.ID
	if id == nil {
		return ""
	}
	return id.User
}
