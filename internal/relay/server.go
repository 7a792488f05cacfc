package relay

import (
	"net/http"
	"time"

	"github.com/termgate/termgate/internal/auth"
)

// Server wires the broker to its HTTP and WebSocket surface.
type Server struct {
	Broker *Broker
	Audit  *AuditLog // optional; nil disables auditing

	AdminUser     string
	AdminPassword string // empty disables the admin surface
	adminSessions *auth.SessionSet

	startedAt time.Time
	mux       *http.ServeMux
}

func NewServer(broker *Broker) *Server {
	s := &Server{
		Broker:        broker,
		adminSessions: auth.NewSessionSet(),
		startedAt:     time.Now(),
		mux:           http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	s.mux.HandleFunc("GET /api/agents", s.handleListAgents)
	s.mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	s.mux.HandleFunc("GET /ws/agent/{id}", s.handleAgentWS)
	s.mux.HandleFunc("GET /ws/client/{id}", s.handleClientWS)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /admin/login", s.handleAdminLogin)
	s.mux.HandleFunc("GET /admin/logout", s.handleAdminLogout)
	s.mux.HandleFunc("GET /admin", s.handleAdminSummary)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
