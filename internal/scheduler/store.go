package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a task name/ID has no matching row.
var ErrNotFound = errors.New("scheduler: not found")

// Store owns the scheduled_tasks table exclusively — no other package
// issues SQL against it.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over the shared database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const taskColumns = `id, name, cron, start_at, prompt, source, enabled,
	last_run_at, last_result, next_run_at, created_at, in_flight`

func scanTask(row interface{ Scan(dest ...any) error }) (*Task, error) {
	var t Task
	var cronExpr string
	var startAt, lastRunAt, nextRunAt sql.NullTime
	var source string
	var enabled, inFlight int

	if err := row.Scan(
		&t.ID, &t.Name, &cronExpr, &startAt, &t.Prompt, &source, &enabled,
		&lastRunAt, &t.LastResult, &nextRunAt, &t.CreatedAt, &inFlight,
	); err != nil {
		return nil, err
	}
	t.CronExpr = cronExpr
	if cronExpr == "" {
		t.Kind = KindOneShot
	} else {
		t.Kind = KindCron
	}
	t.Source = Source(source)
	t.Enabled = enabled != 0
	t.InFlight = inFlight != 0
	if startAt.Valid {
		v := startAt.Time
		t.StartAt = &v
	}
	if lastRunAt.Valid {
		v := lastRunAt.Time
		t.LastRunAt = &v
	}
	if nextRunAt.Valid {
		v := nextRunAt.Time
		t.NextRunAt = &v
	}
	return &t, nil
}

// Create inserts a new scheduled task with next_run_at already computed.
func (s *Store) Create(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Source == "" {
		t.Source = SourceRuntime
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks
			(id, name, cron, start_at, prompt, source, enabled, next_run_at, created_at, in_flight)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, t.ID, t.Name, t.CronExpr, t.StartAt, t.Prompt, string(t.Source), t.Enabled, t.NextRunAt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert scheduled task: %w", err)
	}
	return nil
}

// Get fetches a task by ID.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// GetByName fetches a task by its unique name — the key Reconcile matches
// toml-declared tasks against.
func (s *Store) GetByName(ctx context.Context, name string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE name = ?`, name)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListDue returns enabled, non-in-flight tasks whose next_run_at has passed.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE enabled = 1 AND in_flight = 0 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// List returns every task, for the dashboard schedule listing.
func (s *Store) List(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Acquire performs the CAS that claims a due task for firing: it only
// succeeds while the row is still enabled, not already in flight, and still
// due as of asOf. Two tick loops (or a tick racing a manual "run now") can
// never both win — whichever commits first owns the fire, keeping firing
// idempotent under concurrent ticks.
func (s *Store) Acquire(ctx context.Context, id string, asOf time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET in_flight = 1
		WHERE id = ? AND enabled = 1 AND in_flight = 0 AND next_run_at IS NOT NULL AND next_run_at <= ?
	`, id, asOf.UTC())
	if err != nil {
		return false, fmt.Errorf("acquire task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release clears in_flight and records the fire's outcome. nextRunAt is nil
// for a one-shot task that has now run and should not fire again — the row
// is also disabled in that case.
func (s *Store) Release(ctx context.Context, id string, ranAt time.Time, result string, nextRunAt *time.Time) error {
	enabled := nextRunAt != nil
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks
		SET in_flight = 0, last_run_at = ?, last_result = ?, next_run_at = ?, enabled = ?
		WHERE id = ?
	`, ranAt.UTC(), result, nextRunAt, enabled, id)
	if err != nil {
		return fmt.Errorf("release task %s: %w", id, err)
	}
	return nil
}

// ForceRelease clears in_flight without advancing the schedule — used when a
// fire's spawn attempt fails before it can compute a result, so the task
// becomes eligible again on the next tick rather than wedging in_flight=1
// forever.
func (s *Store) ForceRelease(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET in_flight = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("force-release task %s: %w", id, err)
	}
	return nil
}

// SetEnabled toggles a task without deleting it — Reconcile disables
// toml-sourced tasks whose declaration disappeared instead of dropping the
// row, so history (last_run_at, last_result) survives a config edit.
// Returns ErrNotFound if no task has the given ID.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("set enabled for task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set enabled for task %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetNextRunAt recomputes a task's next fire time, e.g. after editing its
// cron expression in config.
func (s *Store) SetNextRunAt(ctx context.Context, id string, next *time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET next_run_at = ? WHERE id = ?`, next, id)
	if err != nil {
		return fmt.Errorf("set next_run_at for task %s: %w", id, err)
	}
	return nil
}
