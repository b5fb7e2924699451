// Package audit implements the append-only persistence layer (component
// C9): sessions, historical messages, agent activity, the error log, and
// checkpoints, backed by SQLite via github.com/mattn/go-sqlite3.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kpekel/swarmctl/pkg/message"
	"github.com/kpekel/swarmctl/pkg/recovery"
)

const schema = `
PRAGMA journal_mode = WAL;
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	workflow_type TEXT NOT NULL,
	goal          TEXT NOT NULL,
	status        TEXT NOT NULL,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	completed_at  TEXT
);

CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL REFERENCES sessions(id),
	thread_id    TEXT,
	from_agent   TEXT NOT NULL,
	to_agent     TEXT NOT NULL,
	message_type TEXT NOT NULL,
	priority     TEXT NOT NULL,
	content_json TEXT NOT NULL,
	created_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id);

CREATE TABLE IF NOT EXISTS agent_activity (
	pk_autoinc  INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	agent_role  TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	details_json TEXT,
	timestamp   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agent_activity_session_id ON agent_activity(session_id);

CREATE TABLE IF NOT EXISTS error_log (
	id                TEXT PRIMARY KEY,
	session_id        TEXT REFERENCES sessions(id),
	code              TEXT NOT NULL,
	category          TEXT NOT NULL,
	severity          TEXT NOT NULL,
	message           TEXT NOT NULL,
	details           TEXT,
	component         TEXT,
	agent_role        TEXT,
	recoverable       INTEGER NOT NULL,
	recovered         INTEGER NOT NULL,
	recovery_strategy TEXT,
	stack             TEXT,
	context_json      TEXT,
	created_at        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_error_log_session_id ON error_log(session_id);
CREATE INDEX IF NOT EXISTS idx_error_log_code ON error_log(code);
CREATE INDEX IF NOT EXISTS idx_error_log_severity ON error_log(severity);

CREATE TABLE IF NOT EXISTS checkpoints (
	id                     TEXT PRIMARY KEY,
	session_id             TEXT NOT NULL REFERENCES sessions(id),
	type                   TEXT NOT NULL,
	created_at             TEXT NOT NULL,
	created_by             TEXT NOT NULL,
	workflow_state_json    TEXT NOT NULL,
	agent_states_json      TEXT NOT NULL,
	message_queue_json     TEXT,
	completed_stages_json  TEXT,
	pending_stages_json    TEXT,
	errors_json            TEXT,
	notes                  TEXT
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_session_id ON checkpoints(session_id);
`

// Store is the C9 Audit Store: a single-writer SQLite database.
type Store struct {
	db  *sql.DB
	log *slog.Logger
	// retain is the "keep most recent N" checkpoint retention count (§4.7).
	retain int
}

// Open creates/opens the SQLite database at path and ensures the schema
// exists. A single *sql.DB is safe for the orchestrator's single-writer
// model; SQLite itself serializes writes.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer model (§4.9)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: apply schema: %w", err)
	}
	return &Store{db: db, log: log, retain: 10}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB for callers (tests, migrations) that
// need direct access beyond this package's typed methods.
func (s *Store) DB() *sql.DB { return s.db }

// CreateSession inserts a new sessions row.
func (s *Store) CreateSession(ctx context.Context, sessionID, workflowType, goal, status string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, workflow_type, goal, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, workflowType, goal, status, iso(now), iso(now))
	if err != nil {
		return fmt.Errorf("audit: create session: %w", err)
	}
	return nil
}

// UpdateSessionStatus updates a session's status and updated_at timestamp,
// setting completed_at when status is terminal.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID, status string, now time.Time, terminal bool) error {
	if terminal {
		_, err := s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
			status, iso(now), iso(now), sessionID)
		if err != nil {
			return fmt.Errorf("audit: update session status: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, iso(now), sessionID)
	if err != nil {
		return fmt.Errorf("audit: update session status: %w", err)
	}
	return nil
}

// RecordMessage persists a historical copy of a routed message. Satisfies
// monitor.AuditRecorder.
func (s *Store) RecordMessage(ctx context.Context, sessionID string, m message.Message) error {
	content, err := json.Marshal(m.Content)
	if err != nil {
		return fmt.Errorf("audit: marshal message content: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (id, session_id, thread_id, from_agent, to_agent, message_type, priority, content_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, sessionID, nullIfEmpty(m.ThreadID), string(m.From), string(m.To), string(m.Type), string(m.Priority), string(content), iso(m.Timestamp))
	if err != nil {
		return fmt.Errorf("audit: record message: %w", err)
	}
	return nil
}

// RecordAgentActivity persists a lifecycle event for an agent. Satisfies
// agent.ActivityRecorder.
func (s *Store) RecordAgentActivity(ctx context.Context, sessionID string, role message.Role, eventType string, details map[string]interface{}) error {
	var detailsJSON []byte
	if details != nil {
		var err error
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			return fmt.Errorf("audit: marshal activity details: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_activity (session_id, agent_role, event_type, details_json, timestamp) VALUES (?, ?, ?, ?, ?)`,
		sessionID, string(role), eventType, nullIfEmptyBytes(detailsJSON), iso(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("audit: record agent activity: %w", err)
	}
	return nil
}

// RecordError persists an ErrorRecord to the error log.
func (s *Store) RecordError(ctx context.Context, sessionID string, rec *recovery.ErrorRecord) error {
	var contextJSON []byte
	if rec.Context != nil {
		var err error
		contextJSON, err = json.Marshal(rec.Context)
		if err != nil {
			return fmt.Errorf("audit: marshal error context: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO error_log (id, session_id, code, category, severity, message, details, component, agent_role, recoverable, recovered, recovery_strategy, context_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, nullIfEmpty(sessionID), string(rec.Code), string(rec.Category), string(rec.Severity), rec.Message,
		causeText(rec), rec.Component, nullIfEmpty(string(rec.Role)), boolToInt(rec.Recoverable), boolToInt(rec.Recovered),
		nullIfEmpty(string(rec.Strategy)), nullIfEmptyBytes(contextJSON), iso(rec.Timestamp))
	if err != nil {
		return fmt.Errorf("audit: record error: %w", err)
	}
	return nil
}

func causeText(rec *recovery.ErrorRecord) sql.NullString {
	if rec.Cause == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: rec.Cause.Error(), Valid: true}
}

// SessionSummary is one row of session history, for the `swarmctl history`
// command (§4 supplemental features).
type SessionSummary struct {
	ID           string
	WorkflowType string
	Goal         string
	Status       string
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// Duration returns the session's wall-clock duration if it has completed.
func (s SessionSummary) Duration() (time.Duration, bool) {
	if s.CompletedAt == nil {
		return 0, false
	}
	return s.CompletedAt.Sub(s.CreatedAt), true
}

// History returns the most recent sessions, newest first, limited to n (0
// means unlimited).
func (s *Store) History(ctx context.Context, n int) ([]SessionSummary, error) {
	q := `SELECT id, workflow_type, goal, status, created_at, completed_at FROM sessions ORDER BY created_at DESC`
	if n > 0 {
		q += fmt.Sprintf(" LIMIT %d", n)
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("audit: query history: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var rec SessionSummary
		var created string
		var completed sql.NullString
		if err := rows.Scan(&rec.ID, &rec.WorkflowType, &rec.Goal, &rec.Status, &created, &completed); err != nil {
			return nil, fmt.Errorf("audit: scan history row: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		if completed.Valid {
			t, err := time.Parse(time.RFC3339Nano, completed.String)
			if err == nil {
				rec.CompletedAt = &t
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func iso(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullIfEmptyBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
