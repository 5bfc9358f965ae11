package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opsbutler/butler/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "butler.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validDoc = `
name = "household"
timezone = "America/New_York"

[modules.approvals]
enabled = true
default_risk_tier = "standard"

[modules.approvals.gated_tools]
user_send_email = { expiry_hours = 24, risk_tier = "high" }

[modules.scheduler]
[[modules.scheduler.tasks]]
name = "morning-briefing"
cron = "0 7 * * *"
prompt = "Summarize today's calendar."

[switchboard]
rate_limit = 60
[[switchboard.routes]]
channel_type = "matrix"
role = "owner"
butler = "household"
`

func TestLoad_ValidDocument(t *testing.T) {
	path := writeConfig(t, validDoc)
	cfg, err := config.Load(path, map[string]bool{"user_send_email": true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Name != "household" {
		t.Errorf("expected name household, got %q", cfg.Name)
	}
	if !cfg.Approvals.Enabled {
		t.Error("expected approvals module enabled")
	}
	if got := cfg.Approvals.GatedTools["user_send_email"].RiskTier; got != "high" {
		t.Errorf("expected risk_tier high, got %q", got)
	}
	if len(cfg.Scheduler.Tasks) != 1 || cfg.Scheduler.Tasks[0].Name != "morning-briefing" {
		t.Fatalf("expected one scheduler task, got %+v", cfg.Scheduler.Tasks)
	}
	if len(cfg.Switchboard.Routes) != 1 {
		t.Fatalf("expected one switchboard route, got %+v", cfg.Switchboard.Routes)
	}

	specs, err := cfg.TaskSpecs()
	if err != nil {
		t.Fatalf("task specs: %v", err)
	}
	if len(specs) != 1 || specs[0].CronExpr != "0 7 * * *" {
		t.Fatalf("unexpected task specs: %+v", specs)
	}

	rules := cfg.RoutingRules()
	if len(rules) != 1 || rules[0].Butler != "household" {
		t.Fatalf("unexpected routing rules: %+v", rules)
	}
}

func TestLoad_UnknownGatedToolFails(t *testing.T) {
	path := writeConfig(t, validDoc)
	_, err := config.Load(path, map[string]bool{"user_post_calendar_event": true})
	if err == nil {
		t.Fatal("expected validation error for unregistered gated tool")
	}
}

func TestLoad_MissingNameFails(t *testing.T) {
	path := writeConfig(t, `timezone = "UTC"`)
	_, err := config.Load(path, nil)
	if err == nil {
		t.Fatal("expected error for missing butler name")
	}
}

func TestLoad_TaskWithBothCronAndStartAtFails(t *testing.T) {
	path := writeConfig(t, `
name = "household"
[modules.scheduler]
[[modules.scheduler.tasks]]
name = "bad-task"
cron = "0 7 * * *"
start_at = "2026-08-01T09:00:00Z"
`)
	_, err := config.Load(path, nil)
	if err == nil {
		t.Fatal("expected validation error for task with both cron and start_at")
	}
}
