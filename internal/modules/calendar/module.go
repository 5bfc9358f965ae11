// Package calendar is a minimal domain module: it owns an events table and
// exposes user_-scoped create/list tools. Module-specific business logic is
// explicitly out of scope beyond what the gate, scheduler, or router must
// reason about — this module exists to exercise the module.Registry
// contract (migrations, credentials, tool prefixing) with a concrete second
// module alongside Approvals, not to be a full calendaring system.
package calendar

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opsbutler/butler/internal/module"
)

const migration0001 = `
CREATE TABLE IF NOT EXISTS calendar_events (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	starts_at TIMESTAMP NOT NULL,
	ends_at TIMESTAMP,
	notes TEXT,
	created_at TIMESTAMP NOT NULL
);
`

// Module is the Calendar domain module.
type Module struct {
	db *sql.DB
}

// New creates the calendar module. The database handle is supplied at
// OnStartup, matching every other module's lifecycle.
func New() *Module { return &Module{} }

func (m *Module) Name() string             { return "calendar" }
func (m *Module) Dependencies() []string   { return nil }
func (m *Module) CredentialsEnv() []string { return nil }

func (m *Module) Migrations() map[string]string {
	return map[string]string{"0001_init.sql": migration0001}
}

func (m *Module) OnStartup(ctx context.Context, db *sql.DB) error {
	m.db = db
	return nil
}

func (m *Module) OnShutdown(ctx context.Context) error { return nil }

func (m *Module) Tools() []module.ToolDescriptor {
	return []module.ToolDescriptor{
		{
			Name:            "user_create_calendar_event",
			Description:     "Create a calendar event at a given start time.",
			ApprovalDefault: "rule",
			Handler:         m.createEvent,
		},
		{
			Name:            "user_list_calendar_events",
			Description:     "List upcoming calendar events.",
			ApprovalDefault: "never",
			Handler:         m.listEvents,
		},
	}
}

func (m *Module) createEvent(ctx context.Context, args map[string]any) (any, error) {
	title, _ := args["title"].(string)
	startsAtRaw, _ := args["starts_at"].(string)
	if title == "" || startsAtRaw == "" {
		return nil, fmt.Errorf("create_calendar_event: title and starts_at are required")
	}
	startsAt, err := time.Parse(time.RFC3339, startsAtRaw)
	if err != nil {
		return nil, fmt.Errorf("create_calendar_event: invalid starts_at: %w", err)
	}
	notes, _ := args["notes"].(string)

	id := fmt.Sprintf("evt_%d", time.Now().UnixNano())
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO calendar_events (id, title, starts_at, notes, created_at) VALUES (?, ?, ?, ?, ?)
	`, id, title, startsAt, notes, time.Now())
	if err != nil {
		return nil, fmt.Errorf("create_calendar_event: %w", err)
	}
	return map[string]any{"id": id}, nil
}

func (m *Module) listEvents(ctx context.Context, args map[string]any) (any, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, title, starts_at, ends_at, notes FROM calendar_events
		WHERE starts_at >= ? ORDER BY starts_at ASC LIMIT 50
	`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("list_calendar_events: %w", err)
	}
	defer rows.Close()

	type event struct {
		ID       string     `json:"id"`
		Title    string     `json:"title"`
		StartsAt time.Time  `json:"starts_at"`
		EndsAt   *time.Time `json:"ends_at,omitempty"`
		Notes    string     `json:"notes,omitempty"`
	}
	var out []event
	for rows.Next() {
		var e event
		var endsAt sql.NullTime
		var notes sql.NullString
		if err := rows.Scan(&e.ID, &e.Title, &e.StartsAt, &endsAt, &notes); err != nil {
			return nil, fmt.Errorf("scan calendar event: %w", err)
		}
		if endsAt.Valid {
			e.EndsAt = &endsAt.Time
		}
		e.Notes = notes.String
		out = append(out, e)
	}
	return out, rows.Err()
}
