// Package module defines the plugin contract pluggable domain modules
// (Approvals, Calendar, Contacts, Memory, ...) implement, and the Registry
// that validates and aggregates them into the tool manifest the spawner
// hands to a worker.
package module

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolDescriptor is one tool a Module contributes. Name must begin with
// "user_" or "bot_" (the identity-scope prefix) — Registry.Register refuses
// anything else at load time, never at call time.
type ToolDescriptor struct {
	Name            string
	Description     string
	ArgsSchema      map[string]any // JSON Schema, validated via santhosh-tekuri/jsonschema at registration
	ApprovalDefault string         // "always" | "rule" | "never"
	Handler         func(ctx context.Context, args map[string]any) (any, error)
}

// Module is the plugin contract every domain module implements.
type Module interface {
	// Name is the module's unique identifier (e.g. "approvals", "calendar").
	Name() string
	// Dependencies names modules that must be loaded before this one.
	Dependencies() []string
	// Tools returns the tools this module contributes to the worker manifest.
	Tools() []ToolDescriptor
	// Migrations returns this module's embedded schema migration SQL, keyed
	// by a version-sortable filename, applied alongside the core schema.
	Migrations() map[string]string
	// CredentialsEnv names the environment variables this module's tools
	// need populated in the worker's environment; values are
	// resolved by the spawner from secured contact_channels entries, never
	// logged.
	CredentialsEnv() []string
	// OnStartup runs once when the butler daemon loads this module.
	OnStartup(ctx context.Context, db *sql.DB) error
	// OnShutdown runs once as the daemon shuts down.
	OnShutdown(ctx context.Context) error
}

// MemoryProvider is implemented by the Memory module, when loaded, to
// supply worker system-prompt context and to persist post-session
// observations. It is optional: when no module in the registry satisfies
// this interface, the spawner omits the memory block and skips episode
// storage.
type MemoryProvider interface {
	Context(ctx context.Context, prompt, butler string) (string, error)
	StoreEpisode(ctx context.Context, butler, sessionID, observations string) error
}

var sendReplyMarkers = []string{"_send", "_reply"}

// Registry aggregates loaded modules, validating the tool-naming and
// approval-default invariants at load time rather
// than leaving them to be discovered at call time.
type Registry struct {
	modules []Module
	tools   map[string]ToolDescriptor
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]ToolDescriptor{}, schemas: map[string]*jsonschema.Schema{}}
}

// Register validates and loads a module's tool set. It refuses:
//   - a tool name without a user_/bot_ identity prefix
//   - a *_send*/*_reply* tool whose ApprovalDefault isn't "always"
//     (sending/replying tools are always gated, never silently auto-run)
//   - a duplicate tool name across modules
//   - a malformed ArgsSchema (caught at load time, not on the first call)
func (r *Registry) Register(m Module) error {
	for _, t := range m.Tools() {
		if !strings.HasPrefix(t.Name, "user_") && !strings.HasPrefix(t.Name, "bot_") {
			return fmt.Errorf("module %s: tool %q must be prefixed user_ or bot_", m.Name(), t.Name)
		}
		if isSendOrReply(t.Name) && t.ApprovalDefault != "always" {
			return fmt.Errorf("module %s: tool %q sends/replies and must have approval_default=always, got %q",
				m.Name(), t.Name, t.ApprovalDefault)
		}
		if _, exists := r.tools[t.Name]; exists {
			return fmt.Errorf("module %s: tool %q already registered by another module", m.Name(), t.Name)
		}
		if t.ArgsSchema != nil {
			schema, err := compileArgsSchema(t.Name, t.ArgsSchema)
			if err != nil {
				return fmt.Errorf("module %s: tool %q: %w", m.Name(), t.Name, err)
			}
			r.schemas[t.Name] = schema
		}
		r.tools[t.Name] = t
	}
	r.modules = append(r.modules, m)
	return nil
}

func compileArgsSchema(toolName string, raw map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	resourceID := "tool:" + toolName
	if err := c.AddResource(resourceID, raw); err != nil {
		return nil, fmt.Errorf("add args schema resource: %w", err)
	}
	schema, err := c.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile args schema: %w", err)
	}
	return schema, nil
}

// ValidateArgs checks args against the tool's declared ArgsSchema, if it
// registered one. Tools with no ArgsSchema accept any args unchecked — most
// of this codebase's tools are simple enough that the handler's own
// argument parsing is the validation.
func (r *Registry) ValidateArgs(toolName string, args map[string]any) error {
	schema, ok := r.schemas[toolName]
	if !ok {
		return nil
	}
	if err := schema.Validate(args); err != nil {
		return fmt.Errorf("tool %q args: %w", toolName, err)
	}
	return nil
}

func isSendOrReply(name string) bool {
	for _, marker := range sendReplyMarkers {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

// Tools returns every registered tool's descriptor, the manifest union
// the spawner composes for a worker.
func (r *Registry) Tools() map[string]ToolDescriptor {
	out := make(map[string]ToolDescriptor, len(r.tools))
	for k, v := range r.tools {
		out[k] = v
	}
	return out
}

// CredentialsEnv returns the union of every loaded module's declared
// credential environment variable names.
func (r *Registry) CredentialsEnv() []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range r.modules {
		for _, name := range m.CredentialsEnv() {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}

// Memory returns the loaded Memory module if one satisfies MemoryProvider,
// or nil if none is loaded — callers must treat nil as "fail open".
func (r *Registry) Memory() MemoryProvider {
	for _, m := range r.modules {
		if mp, ok := m.(MemoryProvider); ok {
			return mp
		}
	}
	return nil
}

// Migrations returns every loaded module's embedded migration SQL, keyed by
// "<module-name>/<filename>" so module migrations never collide with the
// core schema's own version numbering.
func (r *Registry) Migrations() map[string]string {
	out := map[string]string{}
	for _, m := range r.modules {
		for name, sql := range m.Migrations() {
			out[m.Name()+"/"+name] = sql
		}
	}
	return out
}

// StartAll runs OnStartup for every loaded module in registration order.
// Dependencies() is advisory metadata surfaced to the dashboard and config
// validation; the daemon orders Register calls itself from the butler's
// TOML module list, so Registry does not re-sort by dependency here.
func (r *Registry) StartAll(ctx context.Context, db *sql.DB) error {
	for _, m := range r.modules {
		if err := m.OnStartup(ctx, db); err != nil {
			return fmt.Errorf("module %s startup: %w", m.Name(), err)
		}
	}
	return nil
}

// ShutdownAll runs OnShutdown for every loaded module in reverse
// registration order.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	var firstErr error
	for i := len(r.modules) - 1; i >= 0; i-- {
		if err := r.modules[i].OnShutdown(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("module %s shutdown: %w", r.modules[i].Name(), err)
		}
	}
	return firstErr
}
