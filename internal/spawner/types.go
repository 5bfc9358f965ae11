// Package spawner implements the worker spawn lifecycle: it composes
// a worker's tool manifest, system prompt, and credentials environment,
// launches the worker through a pluggable runtime.Backend, and persists the
// resulting Session row. It is the sole component authorized to create
// sessions — the scheduler and switchboard both funnel their trigger kinds
// through it instead of launching workers themselves.
package spawner

import "time"

// TriggerKind distinguishes the three ways a worker can be spawned.
type TriggerKind string

const (
	TriggerIngest   TriggerKind = "ingest"
	TriggerSchedule TriggerKind = "schedule"
	TriggerManual   TriggerKind = "manual"
)

// Trigger is the common input every spawn path normalizes into before
// calling Spawner.spawn.
type Trigger struct {
	Kind             TriggerKind
	Butler           string
	SessionID        string
	Prompt           string
	IdentityPreamble string
	PipelineRequestID string
}

// Session mirrors the sessions table row persisted after a worker run
// completes.
type Session struct {
	SessionID     string
	Butler        string
	TriggerKind   TriggerKind
	StartedAt     time.Time
	EndedAt       *time.Time
	InputPrompt   string
	OutputSummary string
	Error         string
	Cost          float64
}
