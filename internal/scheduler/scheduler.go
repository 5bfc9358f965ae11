package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Clock abstracts time.Now/time.After so tests can drive the tick loop with
// a fake clock instead of wall-clock sleeps, a seam kept
// gateway.Manager uses for its cron jobs. Exported so test packages can
// supply a fake without this package needing a testing-only constructor
// hidden behind an internal type.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// DefaultTickInterval is the wall-clock polling period between sweeps for
// due tasks.
const DefaultTickInterval = 30 * time.Second

// Spawner is the narrow interface the scheduler needs from the worker
// lifecycle package. Declared here instead of imported to avoid a scheduler
// -> spawner -> scheduler import cycle (the spawner records task outcomes
// back into ScheduledTask rows this package owns).
type Spawner interface {
	SpawnForSchedule(ctx context.Context, task *Task) (summary string, err error)
}

// FailureNotifier is the narrow interface the scheduler needs to raise a
// scheduled-task failure summary. Optional: a nil FailureNotifier
// just logs, matching the package's existing behavior before notifications
// were wired in.
type FailureNotifier interface {
	NotifyScheduledFailure(ctx context.Context, taskName, reason string)
}

// Scheduler runs the tick loop that fires due ScheduledTask rows.
type Scheduler struct {
	store    *Store
	spawner  Spawner
	clock    Clock
	interval time.Duration
	log      *slog.Logger
	notifier FailureNotifier
}

// New creates a Scheduler polling at DefaultTickInterval.
func New(store *Store, spawner Spawner, log *slog.Logger) *Scheduler {
	return &Scheduler{store: store, spawner: spawner, clock: realClock{}, interval: DefaultTickInterval, log: log}
}

// NewForTesting injects a fake Clock and a tighter interval so a simulated
// hour of drift doesn't require a real hour of wall time.
func NewForTesting(store *Store, spawner Spawner, log *slog.Logger, c Clock, interval time.Duration) *Scheduler {
	return &Scheduler{store: store, spawner: spawner, clock: c, interval: interval, log: log}
}

// WithFailureNotifier attaches a FailureNotifier, returning the scheduler for
// chaining at construction time.
func (s *Scheduler) WithFailureNotifier(n FailureNotifier) *Scheduler {
	s.notifier = n
	return s
}

// Run polls for due tasks every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		if err := s.Tick(ctx); err != nil {
			s.log.Error("scheduler tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.interval):
		}
	}
}

// Tick sweeps for due tasks, claims each with the Acquire CAS, and fires
// exactly the ones this process wins. A task another process (or a prior,
// still-running tick) already claimed is silently skipped — Acquire reports
// 0 rows affected and Tick moves on.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clock.Now()
	due, err := s.store.ListDue(ctx, now)
	if err != nil {
		return fmt.Errorf("list due tasks: %w", err)
	}
	for _, task := range due {
		s.fire(ctx, task, now)
	}
	return nil
}

func (s *Scheduler) fire(ctx context.Context, task *Task, now time.Time) {
	won, err := s.store.Acquire(ctx, task.ID, now)
	if err != nil {
		s.log.Error("acquire scheduled task failed", "task", task.Name, "error", err)
		return
	}
	if !won {
		return
	}

	summary, spawnErr := s.spawner.SpawnForSchedule(ctx, task)
	if spawnErr != nil {
		s.log.Error("scheduled task spawn failed", "task", task.Name, "error", spawnErr)
		if s.notifier != nil {
			s.notifier.NotifyScheduledFailure(ctx, task.Name, spawnErr.Error())
		}
		if err := s.store.ForceRelease(ctx, task.ID); err != nil {
			s.log.Error("force-release after failed spawn", "task", task.Name, "error", err)
		}
		return
	}

	var next *time.Time
	if task.Kind == KindCron {
		sched, err := ParseCron(task.CronExpr)
		if err != nil {
			s.log.Error("re-parse cron on release", "task", task.Name, "error", err)
		} else {
			n := sched.Next(now)
			next = &n
		}
	}
	// KindOneShot leaves next nil: Release disables the task so it never fires again.

	if err := s.store.Release(ctx, task.ID, now, summary, next); err != nil {
		s.log.Error("release scheduled task failed", "task", task.Name, "error", err)
	}
}

// Reconcile ensures exactly the toml-declared tasks in specs exist and are
// enabled, without ever deleting a row: a spec that disappears from config
// gets its existing task disabled (history is preserved), and a new spec
// gets created with next_run_at computed from now. Dynamic (runtime-
// sourced) tasks created by modules are left untouched — Reconcile only
// owns source="toml" rows.
func (s *Scheduler) Reconcile(ctx context.Context, specs []TaskSpec, now time.Time) error {
	wanted := make(map[string]TaskSpec, len(specs))
	for _, spec := range specs {
		wanted[spec.Name] = spec
	}

	existing, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list existing tasks: %w", err)
	}
	existingByName := make(map[string]*Task, len(existing))
	for _, t := range existing {
		existingByName[t.Name] = t
	}

	for name, spec := range wanted {
		if t, ok := existingByName[name]; ok {
			if !t.Enabled {
				if err := s.store.SetEnabled(ctx, t.ID, true); err != nil {
					return fmt.Errorf("reconcile: re-enable %s: %w", name, err)
				}
			}
			continue
		}
		next, err := nextRunForSpec(spec, now)
		if err != nil {
			return fmt.Errorf("reconcile: compute next run for %s: %w", name, err)
		}
		task := &Task{
			Name:     spec.Name,
			CronExpr: spec.CronExpr,
			StartAt:  spec.StartAt,
			Prompt:   spec.Prompt,
			Source:   SourceTOML,
			Enabled:  true,
			CreatedAt: now,
		}
		if spec.Kind == KindOneShot {
			if spec.StartAt == nil {
				return fmt.Errorf("reconcile: one-shot task %s has no start_at", name)
			}
			n := *spec.StartAt
			task.NextRunAt = &n
		} else {
			task.NextRunAt = next
		}
		if err := s.store.Create(ctx, task); err != nil {
			return fmt.Errorf("reconcile: create %s: %w", name, err)
		}
	}

	for name, t := range existingByName {
		if _, stillWanted := wanted[name]; !stillWanted && t.Source == SourceTOML && t.Enabled {
			if err := s.store.SetEnabled(ctx, t.ID, false); err != nil {
				return fmt.Errorf("reconcile: disable removed task %s: %w", name, err)
			}
		}
	}
	return nil
}

func nextRunForSpec(spec TaskSpec, now time.Time) (*time.Time, error) {
	if spec.Kind == KindOneShot {
		return spec.StartAt, nil
	}
	sched, err := ParseCron(spec.CronExpr)
	if err != nil {
		return nil, err
	}
	n := sched.Next(now)
	return &n, nil
}
