// Package auth covers token generation, constant-time comparison, browser
// session cookies, and the relay's admin session set.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"sync"
	"time"
)

const (
	// AccessTokenBytes sizes the agent's browser access token (128 bits).
	AccessTokenBytes = 16
	// AgentKeyBytes sizes relay agent keys (256 bits).
	AgentKeyBytes = 32
	// AdminSessionBytes sizes admin session tokens.
	AdminSessionBytes = 32

	// SessionCookie carries the access token after the first visit.
	SessionCookie = "tg_token"
	cookieTTL     = 24 * time.Hour
)

// NewToken returns a url-safe token with n bytes of entropy from the
// system CSPRNG.
func NewToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic("auth: csprng unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Equal compares two secrets in constant time. Inputs are hashed first so
// the comparison time does not depend on length or prefix agreement.
func Equal(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// TokenFromRequest extracts the access token from the query string (first
// visit) or the session cookie.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// SetSessionCookie installs the http-only 24h session cookie.
func SetSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(cookieTTL.Seconds()),
	})
}

// SessionSet holds opaque admin session tokens. Sessions live only as long
// as the process.
type SessionSet struct {
	mu       sync.Mutex
	sessions map[string]struct{}
}

func NewSessionSet() *SessionSet {
	return &SessionSet{sessions: make(map[string]struct{})}
}

// Create mints and records a fresh session token.
func (s *SessionSet) Create() string {
	token := NewToken(AdminSessionBytes)
	s.mu.Lock()
	s.sessions[token] = struct{}{}
	s.mu.Unlock()
	return token
}

func (s *SessionSet) Contains(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[token]
	return ok
}

func (s *SessionSet) Revoke(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}
