package relay

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Audit event kinds.
const (
	EventAgentRegistered   = "agent_registered"
	EventAgentConnected    = "agent_connected"
	EventAgentDisconnected = "agent_disconnected"
	EventAdminLogin        = "admin_login"
	EventAdminLoginFailed  = "admin_login_failed"
)

// AuditLog appends relay lifecycle events to a sqlite database. It is an
// operator convenience: the connection tables themselves are in-memory
// only, and a nil *AuditLog disables auditing entirely.
type AuditLog struct {
	db *sql.DB
}

// AuditEvent is one recorded event.
type AuditEvent struct {
	ID      int64  `json:"id"`
	Time    string `json:"time"`
	Kind    string `json:"kind"`
	AgentID string `json:"agent_id,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// OpenAudit opens (and if needed creates) the audit database at path.
func OpenAudit(path string) (*AuditLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// Single writer; sqlite handles this fine without a pool.
	db.SetMaxOpenConns(1)

	const schema = `
CREATE TABLE IF NOT EXISTS events (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	ts       TEXT NOT NULL,
	kind     TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	detail   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &AuditLog{db: db}, nil
}

func (a *AuditLog) Close() error {
	if a == nil {
		return nil
	}
	return a.db.Close()
}

// Append records one event. Failures are logged, never propagated — the
// audit log must not take the relay down.
func (a *AuditLog) Append(kind, agentID, detail string) {
	if a == nil {
		return
	}
	_, err := a.db.Exec(
		"INSERT INTO events (ts, kind, agent_id, detail) VALUES (?, ?, ?, ?)",
		time.Now().UTC().Format(time.RFC3339), kind, agentID, detail,
	)
	if err != nil {
		slog.Warn("audit append failed", "kind", kind, "error", err)
	}
}

// Recent returns the newest n events, newest first.
func (a *AuditLog) Recent(n int) ([]AuditEvent, error) {
	if a == nil {
		return nil, nil
	}
	rows, err := a.db.Query(
		"SELECT id, ts, kind, agent_id, detail FROM events ORDER BY id DESC LIMIT ?", n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		if err := rows.Scan(&ev.ID, &ev.Time, &ev.Kind, &ev.AgentID, &ev.Detail); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
