// Package server exposes the bridge's REST surface: health, QR retrieval,
// session status, outbound messaging, relay history, and logout.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"wabridge/internal/history"
	"wabridge/internal/metrics"
	"wabridge/internal/session"
)

const maxBodySize = 1 << 20 // 1MB

// Session is the slice of the session controller the REST surface needs.
type Session interface {
	Authenticated() bool
	Connected() bool
	User() string
	QR() ([]byte, bool)
	SendText(ctx context.Context, toJID, text string) error
	Logout(ctx context.Context) error
}

// Server serves the REST API.
type Server struct {
	host    string
	port    int
	session Session
	store   *history.Store // optional
	logger  *slog.Logger
	server  *http.Server
	version string
}

type Config struct {
	Host    string
	Port    int
	Session Session
	Store   *history.Store
	Logger  *slog.Logger
	Version string
}

func New(cfg Config) *Server {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 3000
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Server{
		host:    cfg.Host,
		port:    cfg.Port,
		session: cfg.Session,
		store:   cfg.Store,
		logger:  cfg.Logger,
		version: cfg.Version,
	}
}

// Start runs the server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /qr", s.handleQR)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /send-message", s.handleSendMessage)
	mux.HandleFunc("POST /logout", s.handleLogout)

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Info("REST API started", "addr", "http://"+addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "wabridge",
		"version": s.version,
		"endpoints": []string{
			"GET /health", "GET /qr", "GET /status", "GET /history",
			"GET /metrics", "POST /send-message", "POST /logout",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"authenticated": s.session.Authenticated(),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

// handleQR serves the pending login QR as a PNG. Once the session is
// authenticated there is nothing to scan, so the endpoint says so instead of
// serving a stale image.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	if s.session.Authenticated() {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "Already authenticated. No QR code needed.")
		return
	}
	png, ok := s.session.QR()
	if !ok {
		writeError(w, http.StatusNotFound, "no QR code available yet, try again shortly")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": s.session.Authenticated(),
		"connected":     s.session.Connected(),
		"user":          s.session.User(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "history is disabled")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		fmt.Sscanf(raw, "%d", &limit)
	}
	entries, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("history query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if !s.session.Authenticated() {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	var req struct {
		Number  string `json:"number"`
		Message string `json:"message"`
	}
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Number == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "number and message are required")
		return
	}

	jid := session.NormalizeRecipient(req.Number)
	if err := s.session.SendText(r.Context(), jid, req.Message); err != nil {
		s.logger.Error("send-message failed", "to", jid, "err", err)
		writeError(w, http.StatusInternalServerError, "message send failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "to": jid})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Logout(r.Context()); err != nil {
		s.logger.Error("logout failed", "err", err)
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
