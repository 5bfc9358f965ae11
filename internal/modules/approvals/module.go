// Package approvalsmodule is the self-hosting Approvals module: it exposes
// the approval queue itself as a tool surface (list pending, approve,
// reject) so a worker can act as its own approvals secretary when the owner
// asks "what's waiting on me?" from a chat channel instead of the
// dashboard. It wraps internal/approvals.Gate rather than duplicating its
// CAS logic, the same way the chat-command approval handlers this codebase
// grew from called straight into the Gate instead of re-deriving decision
// state.
package approvalsmodule

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opsbutler/butler/internal/approvals"
	"github.com/opsbutler/butler/internal/module"
)

// Module exposes list_pending/approve/reject as bot_-scoped tools. All
// three are read/administrative actions on the approvals queue itself, not
// an outbound action toward a third party, so none of them trip the
// send/reply approval_default=always rule.
type Module struct {
	gate *approvals.Gate
}

// New creates the approvals module. gate may be nil at construction time —
// the daemon registers this module before the Gate exists (it needs the
// registered tool set to validate gated_tools config first) and calls
// SetGate once the Gate is built.
func New(gate *approvals.Gate) *Module {
	return &Module{gate: gate}
}

// SetGate injects the Gate once it has been constructed. Must be called
// before any of this module's tools are invoked.
func (m *Module) SetGate(gate *approvals.Gate) {
	m.gate = gate
}

func (m *Module) Name() string             { return "approvals" }
func (m *Module) Dependencies() []string   { return nil }
func (m *Module) CredentialsEnv() []string { return nil }
func (m *Module) Migrations() map[string]string {
	return nil // the approvals schema lives in the core migration set, not a module migration
}

func (m *Module) OnStartup(ctx context.Context, db *sql.DB) error { return nil }
func (m *Module) OnShutdown(ctx context.Context) error            { return nil }

func (m *Module) Tools() []module.ToolDescriptor {
	return []module.ToolDescriptor{
		{
			Name:            "bot_list_pending_approvals",
			Description:     "List actions currently awaiting owner approval.",
			ApprovalDefault: "never",
			Handler:         m.listPending,
		},
		{
			Name:            "bot_approve_action",
			Description:     "Approve a pending action by its action_id.",
			ApprovalDefault: "never",
			Handler:         m.approve,
		},
		{
			Name:            "bot_reject_action",
			Description:     "Reject a pending action by its action_id.",
			ApprovalDefault: "never",
			Handler:         m.reject,
		},
	}
}

func (m *Module) listPending(ctx context.Context, args map[string]any) (any, error) {
	limit := 20
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}
	actions, err := m.gate.Store().ListActions(ctx, approvals.ActionFilter{
		Status: approvals.StatusPending,
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	return actions, nil
}

func (m *Module) approve(ctx context.Context, args map[string]any) (any, error) {
	actionID, _ := args["action_id"].(string)
	if actionID == "" {
		return nil, fmt.Errorf("approve_action: action_id is required")
	}
	reason, _ := args["reason"].(string)
	decision, err := m.gate.Approve(ctx, actionID, "owner", reason)
	if err != nil {
		return nil, fmt.Errorf("approve %s: %w", actionID, err)
	}
	return decision, nil
}

func (m *Module) reject(ctx context.Context, args map[string]any) (any, error) {
	actionID, _ := args["action_id"].(string)
	if actionID == "" {
		return nil, fmt.Errorf("reject_action: action_id is required")
	}
	reason, _ := args["reason"].(string)
	decision, err := m.gate.Reject(ctx, actionID, "owner", reason)
	if err != nil {
		return nil, fmt.Errorf("reject %s: %w", actionID, err)
	}
	return decision, nil
}
