package relay

import (
	"net/http"
	"time"

	"github.com/termgate/termgate/internal/auth"
)

const adminCookie = "tgd_session"

// handleAdminLogin checks the operator credentials and issues an opaque
// session cookie. Sessions live in memory and die with the process.
func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if s.AdminPassword == "" {
		writeError(w, http.StatusNotFound, "admin surface disabled")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}
	user := r.PostFormValue("username")
	pass := r.PostFormValue("password")

	// Compare both fields regardless of which one mismatches.
	userOK := auth.Equal(user, s.AdminUser)
	passOK := auth.Equal(pass, s.AdminPassword)
	if !userOK || !passOK {
		s.Audit.Append(EventAdminLoginFailed, "", "username="+user)
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token := s.adminSessions.Create()
	s.Audit.Append(EventAdminLogin, "", "username="+user)
	http.SetCookie(w, &http.Cookie{
		Name:     adminCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int((24 * time.Hour).Seconds()),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(adminCookie); err == nil {
		s.adminSessions.Revoke(c.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: adminCookie, Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) adminAuthed(r *http.Request) bool {
	c, err := r.Cookie(adminCookie)
	if err != nil {
		return false
	}
	return s.adminSessions.Contains(c.Value)
}

// handleAdminSummary returns the dashboard data: table state, uptime, and
// recent audit events. The dashboard HTML itself is an external asset.
func (s *Server) handleAdminSummary(w http.ResponseWriter, r *http.Request) {
	if s.AdminPassword == "" {
		writeError(w, http.StatusNotFound, "admin surface disabled")
		return
	}
	if !s.adminAuthed(r) {
		writeError(w, http.StatusUnauthorized, "login required")
		return
	}

	total, online, clients := s.Broker.Stats()
	summary := map[string]any{
		"uptime_seconds":    int(time.Since(s.startedAt).Seconds()),
		"agents_total":      total,
		"agents_online":     online,
		"clients_connected": clients,
		"agents":            s.Broker.ListAgents(),
	}
	if events, err := s.Audit.Recent(50); err == nil {
		summary["recent_events"] = events
	}
	writeJSON(w, http.StatusOK, summary)
}
