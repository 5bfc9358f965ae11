package spawner

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store owns the sessions table — no other package writes to it.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over the shared database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a started session row.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, butler, trigger_kind, started_at, input_prompt)
		VALUES (?, ?, ?, ?, ?)
	`, sess.SessionID, sess.Butler, string(sess.TriggerKind), sess.StartedAt, sess.InputPrompt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Finish records a session's outcome once the worker has exited.
func (s *Store) Finish(ctx context.Context, sessionID string, endedAt time.Time, outputSummary, errMsg string, cost float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ?, output_summary = ?, error = ?, cost = ? WHERE session_id = ?
	`, endedAt, outputSummary, errMsg, cost, sessionID)
	if err != nil {
		return fmt.Errorf("finish session %s: %w", sessionID, err)
	}
	return nil
}

// Get fetches a session by ID, for the dashboard's timeline view.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	var triggerKind string
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, butler, trigger_kind, started_at, ended_at, input_prompt, output_summary, error, cost
		FROM sessions WHERE session_id = ?
	`, sessionID).Scan(&sess.SessionID, &sess.Butler, &triggerKind, &sess.StartedAt, &endedAt,
		&sess.InputPrompt, &sess.OutputSummary, &sess.Error, &sess.Cost)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	sess.TriggerKind = TriggerKind(triggerKind)
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	return &sess, nil
}

// ListByButler returns recent sessions for a butler, most recent first —
// the dashboard's timeline endpoint.
func (s *Store) ListByButler(ctx context.Context, butler string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, butler, trigger_kind, started_at, ended_at, input_prompt, output_summary, error, cost
		FROM sessions WHERE butler = ? ORDER BY started_at DESC LIMIT ?
	`, butler, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions for %s: %w", butler, err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		var triggerKind string
		var endedAt sql.NullTime
		if err := rows.Scan(&sess.SessionID, &sess.Butler, &triggerKind, &sess.StartedAt, &endedAt,
			&sess.InputPrompt, &sess.OutputSummary, &sess.Error, &sess.Cost); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.TriggerKind = TriggerKind(triggerKind)
		if endedAt.Valid {
			t := endedAt.Time
			sess.EndedAt = &t
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}
