package dashboard_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opsbutler/butler/internal/dashboard"
	"github.com/opsbutler/butler/internal/scheduler"
	"github.com/opsbutler/butler/internal/spawner"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	schema := `
	CREATE TABLE scheduled_tasks (
		id TEXT PRIMARY KEY, name TEXT NOT NULL, cron TEXT NOT NULL DEFAULT '',
		start_at TIMESTAMP, prompt TEXT NOT NULL, source TEXT NOT NULL DEFAULT 'toml',
		enabled BOOLEAN NOT NULL DEFAULT 1, in_flight BOOLEAN NOT NULL DEFAULT 0,
		last_run_at TIMESTAMP, last_result TEXT, next_run_at TIMESTAMP, created_at TIMESTAMP NOT NULL
	);
	CREATE TABLE sessions (
		session_id TEXT PRIMARY KEY, butler TEXT NOT NULL, trigger_kind TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL, ended_at TIMESTAMP, input_prompt TEXT, output_summary TEXT,
		error TEXT, cost REAL NOT NULL DEFAULT 0
	);`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return db
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSchedulesList_UnknownButlerReturnsEnvelope(t *testing.T) {
	db := newTestDB(t)
	srv := dashboard.New("127.0.0.1", 0, map[string]*dashboard.Butler{
		"household": {Scheduler: scheduler.NewStore(db), Sessions: spawner.NewStore(db)},
	}, quietLogger())

	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/butlers/nonexistent/schedules")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != "BUTLER_NOT_FOUND" {
		t.Errorf("expected BUTLER_NOT_FOUND, got %q", envelope.Error.Code)
	}
}

func TestSchedulesList_ReturnsTasks(t *testing.T) {
	db := newTestDB(t)
	store := scheduler.NewStore(db)
	ctx := context.Background()
	if err := store.Create(ctx, &scheduler.Task{
		Name: "nightly-backup", CronExpr: "0 2 * * *", Prompt: "Back things up.",
		Source: scheduler.SourceTOML, Enabled: true, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	srv := dashboard.New("127.0.0.1", 0, map[string]*dashboard.Butler{
		"household": {Scheduler: store, Sessions: spawner.NewStore(db)},
	}, quietLogger())

	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/butlers/household/schedules")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var tasks []scheduler.Task
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Name != "nightly-backup" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}
}
