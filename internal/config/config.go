// Package config loads and validates the per-butler daemon TOML using
// github.com/pelletier/go-toml/v2 — the TOML library the sibling pack repos
// (codeready-toolchain-tarsy, dohr-michael-ozzie) reach for. An earlier
// per-agent configuration format (Gosuto) this drew on was YAML describing a
// different product's agent/gateway topology; a butler's daemon config is
// its own TOML document end to end.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/opsbutler/butler/internal/approvals"
	"github.com/opsbutler/butler/internal/scheduler"
	"github.com/opsbutler/butler/internal/switchboard"
	"github.com/opsbutler/butler/internal/switchboard/connector/webhook"
)

// GatedToolConfig mirrors approvals.GatedToolConfig's TOML shape under
// [modules.approvals.gated_tools.<tool_name>].
type GatedToolConfig struct {
	ExpiryHours int    `toml:"expiry_hours"`
	RiskTier    string `toml:"risk_tier"`
}

// ApprovalsConfig is [modules.approvals].
type ApprovalsConfig struct {
	Enabled            bool                       `toml:"enabled"`
	DefaultExpiryHours int                        `toml:"default_expiry_hours"`
	DefaultRiskTier    string                     `toml:"default_risk_tier"`
	GatedTools         map[string]GatedToolConfig `toml:"gated_tools"`
}

// ScheduledTaskConfig is one entry under [[modules.scheduler.tasks]].
type ScheduledTaskConfig struct {
	Name     string `toml:"name"`
	Cron     string `toml:"cron"`
	StartAt  string `toml:"start_at"`
	Prompt   string `toml:"prompt"`
}

// SchedulerConfig is [modules.scheduler].
type SchedulerConfig struct {
	Tasks []ScheduledTaskConfig `toml:"tasks"`
}

// RoutingRuleConfig is one entry under [[switchboard.routes]].
type RoutingRuleConfig struct {
	ChannelType string `toml:"channel_type"`
	Role        string `toml:"role"`
	Butler      string `toml:"butler"`
}

// WebhookSourceConfig is one entry under [[switchboard.webhooks]]: an
// inbound HTTP endpoint at /webhooks/{name}, authenticated per-source.
type WebhookSourceConfig struct {
	Name       string `toml:"name"`
	AuthType   string `toml:"auth_type"`   // "bearer" | "hmac-sha256"
	SecretEnv  string `toml:"secret_env"`  // env var the bearer token / hmac key is read from
}

// SwitchboardConfig is [switchboard].
type SwitchboardConfig struct {
	RateLimit    int                   `toml:"rate_limit"`
	Routes       []RoutingRuleConfig   `toml:"routes"`
	WebhookAddr  string                `toml:"webhook_addr"`
	Webhooks     []WebhookSourceConfig `toml:"webhooks"`
}

// ModuleConfig is the generic [modules.<name>] block for modules with no
// dedicated struct above (Calendar, Contacts, Memory, ...): just an
// enabled flag; module-specific business logic is out of scope here.
type ModuleConfig struct {
	Enabled bool `toml:"enabled"`
}

// Config is a fully decoded per-butler daemon TOML document.
type Config struct {
	Name       string                  `toml:"name"`
	Timezone   string                  `toml:"timezone"`
	Modules    map[string]ModuleConfig `toml:"modules"`
	Approvals  ApprovalsConfig         `toml:"-"`
	Scheduler  SchedulerConfig         `toml:"-"`
	Switchboard SwitchboardConfig      `toml:"switchboard"`
}

// Load reads and validates the daemon config at path. knownTools is the
// full set of tool names the module registry has already registered —
// every [modules.approvals.gated_tools] key must appear in it, or
// validation fails.
func Load(path string, knownTools map[string]bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc struct {
		Name        string                 `toml:"name"`
		Timezone    string                 `toml:"timezone"`
		Modules     map[string]any         `toml:"modules"`
		Switchboard SwitchboardConfig      `toml:"switchboard"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg := &Config{
		Name:        doc.Name,
		Timezone:    doc.Timezone,
		Modules:     map[string]ModuleConfig{},
		Switchboard: doc.Switchboard,
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("config: %s: butler name is required", path)
	}

	for name, section := range doc.Modules {
		// Re-encode each [modules.<name>] table and decode it into its own
		// typed struct — pelletier/go-toml/v2 round-trips map[string]any
		// through Marshal/Unmarshal cleanly, avoiding a second bespoke
		// parser for nested tables whose shape differs per module.
		raw, err := toml.Marshal(section)
		if err != nil {
			return nil, fmt.Errorf("config: re-encode [modules.%s]: %w", name, err)
		}
		switch name {
		case "approvals":
			var ac ApprovalsConfig
			if err := toml.Unmarshal(raw, &ac); err != nil {
				return nil, fmt.Errorf("config: [modules.approvals]: %w", err)
			}
			if ac.DefaultExpiryHours == 0 {
				ac.DefaultExpiryHours = approvals.DefaultExpiryHours
			}
			cfg.Approvals = ac
			cfg.Modules[name] = ModuleConfig{Enabled: ac.Enabled}
		case "scheduler":
			var sc SchedulerConfig
			if err := toml.Unmarshal(raw, &sc); err != nil {
				return nil, fmt.Errorf("config: [modules.scheduler]: %w", err)
			}
			cfg.Scheduler = sc
			cfg.Modules[name] = ModuleConfig{Enabled: true}
		default:
			var mc ModuleConfig
			if err := toml.Unmarshal(raw, &mc); err != nil {
				return nil, fmt.Errorf("config: [modules.%s]: %w", name, err)
			}
			cfg.Modules[name] = mc
		}
	}

	if err := cfg.validate(knownTools); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate enforces ConfigurationError invariants: unknown gated
// tool names fail config validation against the registered tool set.
func (c *Config) validate(knownTools map[string]bool) error {
	for toolName := range c.Approvals.GatedTools {
		if knownTools != nil && !knownTools[toolName] {
			return fmt.Errorf("config: [modules.approvals.gated_tools]: %q is not a registered tool", toolName)
		}
	}
	for _, task := range c.Scheduler.Tasks {
		if task.Cron == "" && task.StartAt == "" {
			return fmt.Errorf("config: scheduled task %q needs either cron or start_at", task.Name)
		}
		if task.Cron != "" && task.StartAt != "" {
			return fmt.Errorf("config: scheduled task %q cannot set both cron and start_at", task.Name)
		}
	}
	for _, route := range c.Switchboard.Routes {
		if route.ChannelType == "" || route.Role == "" || route.Butler == "" {
			return fmt.Errorf("config: switchboard route missing channel_type/role/butler: %+v", route)
		}
	}
	return nil
}

// GateConfig translates the decoded [modules.approvals] block into
// approvals.Config, ready to construct a Gate.
func (c *Config) GateConfig() approvals.Config {
	gated := make(map[string]approvals.GatedToolConfig, len(c.Approvals.GatedTools))
	for name, g := range c.Approvals.GatedTools {
		gated[name] = approvals.GatedToolConfig{
			ExpiryHours: g.ExpiryHours,
			RiskTier:    approvals.RiskTier(g.RiskTier),
		}
	}
	return approvals.Config{
		GatedTools:         gated,
		DefaultExpiryHours: c.Approvals.DefaultExpiryHours,
		DefaultRiskTier:    approvals.RiskTier(c.Approvals.DefaultRiskTier),
	}
}

// TaskSpecs translates [[modules.scheduler.tasks]] into scheduler.TaskSpec,
// ready to pass to scheduler.Scheduler.Reconcile.
func (c *Config) TaskSpecs() ([]scheduler.TaskSpec, error) {
	specs := make([]scheduler.TaskSpec, 0, len(c.Scheduler.Tasks))
	for _, t := range c.Scheduler.Tasks {
		spec := scheduler.TaskSpec{Name: t.Name, Prompt: t.Prompt, CronExpr: t.Cron}
		if t.Cron != "" {
			spec.Kind = scheduler.KindCron
		} else {
			spec.Kind = scheduler.KindOneShot
			start, err := parseStartAt(t.StartAt)
			if err != nil {
				return nil, fmt.Errorf("config: task %q: %w", t.Name, err)
			}
			spec.StartAt = &start
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// RoutingRules translates [[switchboard.routes]] into switchboard.RoutingRule.
func (c *Config) RoutingRules() []switchboard.RoutingRule {
	rules := make([]switchboard.RoutingRule, 0, len(c.Switchboard.Routes))
	for _, r := range c.Switchboard.Routes {
		rules = append(rules, switchboard.RoutingRule{ChannelType: r.ChannelType, Role: r.Role, Butler: r.Butler})
	}
	return rules
}

// WebhookSources resolves [[switchboard.webhooks]] into webhook.Source
// values, reading each source's secret from its configured env var rather
// than storing it in the TOML document itself.
func (c *Config) WebhookSources() []webhook.Source {
	sources := make([]webhook.Source, 0, len(c.Switchboard.Webhooks))
	for _, w := range c.Switchboard.Webhooks {
		sources = append(sources, webhook.Source{
			Name:     w.Name,
			AuthType: w.AuthType,
			Secret:   os.Getenv(w.SecretEnv),
		})
	}
	return sources
}

func parseStartAt(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid start_at %q (want RFC3339): %w", s, err)
	}
	return t, nil
}
