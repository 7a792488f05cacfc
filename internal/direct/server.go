// Package direct exposes the PTY session over local HTTP so a browser can
// reach the agent without going through the relay (typically via a tunnel
// that maps the local port to a public hostname).
package direct

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/termgate/termgate/internal/auth"
	"github.com/termgate/termgate/internal/pty"
	"github.com/termgate/termgate/internal/ws"
)

//go:embed terminal.html
var terminalHTML []byte

const sseIdleTimeout = 30 * time.Second

// Terminal is the slice of the PTY session the transport needs. *pty.Session
// implements it; tests substitute a stub. Each SSE connection gets its own
// output stream so concurrent viewers all see the full session.
type Terminal interface {
	WriteInput(data []byte) error
	Resize(rows, cols uint16) error
	Subscribe() pty.Stream
	Alive() bool
}

// Server is the token-gated HTTP surface for one PTY session.
type Server struct {
	Token string
	Term  Terminal

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	streams  map[chan struct{}]struct{} // active SSE streams, for shutdown

	mux *http.ServeMux
}

// NewServer builds the route table. Every path except /health goes through
// token auth.
func NewServer(token string, term Terminal) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Token:   token,
		Term:    term,
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[chan struct{}]struct{}),
		mux:     http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /{$}", s.auth(s.handleIndex))
	s.mux.HandleFunc("GET /sse", s.auth(s.handleSSE))
	s.mux.HandleFunc("POST /input", s.auth(s.handleInput))
	s.mux.HandleFunc("POST /resize", s.auth(s.handleResize))
	s.mux.HandleFunc("GET /health", s.handleHealth)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start begins listening on addr and serves until Close.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("direct listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("direct server listening", "addr", addr)
	err = http.Serve(ln, s)
	if s.ctx.Err() != nil {
		return nil // orderly shutdown
	}
	return err
}

// Close cancels all active event streams, then stops the listener. The PTY
// itself is owned by the caller and torn down after Close returns.
func (s *Server) Close() error {
	s.cancel()

	s.mu.Lock()
	for done := range s.streams {
		close(done)
	}
	s.streams = make(map[chan struct{}]struct{})
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		return ln.Close()
	}
	return nil
}

// SSEConnections reports the number of active event streams.
func (s *Server) SSEConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// auth wraps a handler with access-token verification. A valid query-param
// token on first contact is promoted to an http-only cookie.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := auth.TokenFromRequest(r)
		if token == "" || !auth.Equal(token, s.Token) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("token") != "" {
			if _, err := r.Cookie(auth.SessionCookie); err != nil {
				auth.SetSessionCookie(w, s.Token)
			}
		}
		next(w, r)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(terminalHTML)
}

// handleSSE streams output chunks as server-sent events. On a 30s idle
// timeout a heartbeat event keeps proxies from dropping the connection.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	done := make(chan struct{})
	s.mu.Lock()
	s.streams[done] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.streams, done)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()

	stream := s.Term.Subscribe()
	defer stream.Close()

	for {
		chunk, err := stream.Next(ctx, sseIdleTimeout)
		switch {
		case err == nil:
			if !writeEvent(w, flusher, ws.Output{Type: ws.TypeOutput, Data: chunk}) {
				return
			}
		case isTimeout(err):
			if !writeEvent(w, flusher, ws.Heartbeat{Type: ws.TypeHeartbeat}) {
				return
			}
		default:
			// session stopped or request cancelled
			return
		}
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, pty.ErrTimeout)
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Data != "" {
		if err := s.Term.WriteInput([]byte(body.Data)); err != nil {
			slog.Warn("input write failed", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rows int `json:"rows"`
		Cols int `json:"cols"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	rows := clamp(body.Rows, 1, 1000)
	cols := clamp(body.Cols, 1, 1000)
	if err := s.Term.Resize(uint16(rows), uint16(cols)); err != nil {
		slog.Warn("resize failed", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"child_alive":     s.Term.Alive(),
		"sse_connections": s.SSEConnections(),
	})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
