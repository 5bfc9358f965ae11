package scheduler

import "time"

// Kind distinguishes a recurring cron task from a single-fire one-shot.
type Kind string

const (
	KindCron    Kind = "cron"
	KindOneShot Kind = "one_shot"
)

// Source marks whether a task was declared in the butler's TOML config or
// created at runtime (e.g. by a module reacting to a tool call). Reconcile
// only ever creates or disables toml-sourced tasks — it never touches
// runtime-sourced ones.
type Source string

const (
	SourceTOML    Source = "toml"
	SourceRuntime Source = "runtime"
)

// Task is a ScheduledTask row: a named trigger with either a cron
// expression or a fixed run time, the prompt to hand the spawned worker, and
// bookkeeping for drift-safe, at-most-once firing. One database per butler,
// so there is no butler column — the Store is already scoped to one.
type Task struct {
	ID         string
	Name       string
	Kind       Kind
	CronExpr   string
	StartAt    *time.Time
	Prompt     string
	Source     Source
	Enabled    bool
	InFlight   bool
	LastRunAt  *time.Time
	LastResult string
	NextRunAt  *time.Time
	CreatedAt  time.Time
}

// TaskSpec describes a task as declared in a butler's TOML config, the unit
// Reconcile operates on.
type TaskSpec struct {
	Name     string
	Kind     Kind
	CronExpr string
	StartAt  *time.Time
	Prompt   string
}
