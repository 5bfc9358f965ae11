package scheduler_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opsbutler/butler/internal/scheduler"
	"github.com/opsbutler/butler/internal/storage"
)

// fakeClock lets a test drive the scheduler's tick loop without sleeping in
// wall-clock time, using a fake clock for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{now: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.now = c.now.Add(d)
	ch <- c.now
	c.mu.Unlock()
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingSpawner struct {
	n int32
}

func (s *countingSpawner) SpawnForSchedule(ctx context.Context, task *scheduler.Task) (string, error) {
	atomic.AddInt32(&s.n, 1)
	return "ran", nil
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "butler-sched-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	f.Close()
	db, err := storage.Open(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_DriftFiresOnceThenAdvances(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := scheduler.NewStore(db)
	spawner := &countingSpawner{}

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sched, err := scheduler.ParseCron("*/5 * * * *")
	if err != nil {
		t.Fatalf("parse cron: %v", err)
	}
	first := sched.Next(start)
	task := &scheduler.Task{
		Name:      "heartbeat",
		CronExpr:  "*/5 * * * *",
		Prompt:    "send heartbeat",
		Source:    scheduler.SourceTOML,
		Enabled:   true,
		NextRunAt: &first,
		CreatedAt: start,
	}
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	// Simulate the daemon being paused for an hour: jump straight past many
	// missed 5-minute slots instead of ticking through each one.
	tickTime := start.Add(time.Hour)

	clk := newFakeClock(tickTime)
	s := schedulerForTest(store, spawner, clk)

	if err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if spawner.n != 1 {
		t.Fatalf("expected exactly one catch-up fire, got %d", spawner.n)
	}

	refreshed, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if refreshed.InFlight {
		t.Fatalf("expected task released after successful spawn")
	}
	if refreshed.NextRunAt == nil || !refreshed.NextRunAt.After(tickTime) {
		t.Fatalf("expected next_run_at advanced to a future slot, got %v", refreshed.NextRunAt)
	}

	// A second tick at the same instant must not re-fire: next_run_at is now
	// in the future, so ListDue returns nothing.
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if spawner.n != 1 {
		t.Fatalf("expected no additional fire on replay tick, got %d", spawner.n)
	}
}

func TestScheduler_OneShotDisablesAfterFiring(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := scheduler.NewStore(db)
	spawner := &countingSpawner{}

	runAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	task := &scheduler.Task{
		Name:      "one-time-reminder",
		StartAt:   &runAt,
		Prompt:    "remind owner",
		Source:    scheduler.SourceRuntime,
		Enabled:   true,
		NextRunAt: &runAt,
		CreatedAt: runAt.Add(-time.Hour),
	}
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	clk := newFakeClock(runAt.Add(time.Minute))
	s := schedulerForTest(store, spawner, clk)
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if spawner.n != 1 {
		t.Fatalf("expected one-shot to fire once, got %d", spawner.n)
	}

	refreshed, err := store.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if refreshed.Enabled {
		t.Fatalf("expected one-shot task disabled after firing")
	}
	if refreshed.NextRunAt != nil {
		t.Fatalf("expected next_run_at cleared for a fired one-shot, got %v", refreshed.NextRunAt)
	}
}

func TestScheduler_InFlightTaskSkippedNotRequeued(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := scheduler.NewStore(db)

	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	task := &scheduler.Task{
		Name:      "long-runner",
		CronExpr:  "*/5 * * * *",
		Prompt:    "do work",
		Source:    scheduler.SourceRuntime,
		Enabled:   true,
		NextRunAt: &past,
		CreatedAt: now,
	}
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	won, err := store.Acquire(ctx, task.ID, now)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !won {
		t.Fatalf("expected first acquire to win")
	}

	due, err := store.ListDue(ctx, now)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected in-flight task to be excluded from ListDue, got %d", len(due))
	}
}

func TestReconcile_CreatesDisablesNeverDeletes(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := scheduler.NewStore(db)
	spawner := &countingSpawner{}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := schedulerForTest(store, spawner, newFakeClock(now))

	specs := []scheduler.TaskSpec{
		{Name: "daily-digest", Kind: scheduler.KindCron, CronExpr: "0 9 * * *", Prompt: "send digest"},
	}
	if err := s.Reconcile(ctx, specs, now); err != nil {
		t.Fatalf("reconcile create: %v", err)
	}
	created, err := store.GetByName(ctx, "daily-digest")
	if err != nil {
		t.Fatalf("get created task: %v", err)
	}
	if !created.Enabled || created.Source != scheduler.SourceTOML {
		t.Fatalf("expected enabled toml-sourced task, got %+v", created)
	}

	// Removing the task's config entry disables rather than deletes the row.
	if err := s.Reconcile(ctx, nil, now); err != nil {
		t.Fatalf("reconcile remove: %v", err)
	}
	still, err := store.GetByName(ctx, "daily-digest")
	if err != nil {
		t.Fatalf("expected row to still exist after removal: %v", err)
	}
	if still.Enabled {
		t.Fatalf("expected task disabled, not deleted, once its spec disappears")
	}

	// Re-adding the same spec re-enables the existing row instead of
	// creating a duplicate.
	if err := s.Reconcile(ctx, specs, now); err != nil {
		t.Fatalf("reconcile re-add: %v", err)
	}
	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one row for daily-digest across create/remove/re-add, got %d", len(all))
	}
	if !all[0].Enabled {
		t.Fatalf("expected re-added task re-enabled")
	}
}

func schedulerForTest(store *scheduler.Store, spawner scheduler.Spawner, clk scheduler.Clock) *scheduler.Scheduler {
	return scheduler.NewForTesting(store, spawner, quietLogger(), clk, time.Millisecond)
}
