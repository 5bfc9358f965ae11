package approvals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opsbutler/butler/internal/identity"
)

// ToolCall is an intercepted invocation awaiting a gate decision.
type ToolCall struct {
	ToolName  string
	Args      map[string]any
	SessionID string
}

// GatedToolConfig is the per-tool override parsed from
// [modules.approvals.gated_tools].
type GatedToolConfig struct {
	ExpiryHours int
	RiskTier    RiskTier
}

// Config configures a Gate.
type Config struct {
	// GatedTools is the configured set of tool names the gate intercepts,
	// keyed by tool name. Tools absent from this map are forwarded unchanged
	//.
	GatedTools map[string]GatedToolConfig
	// DefaultExpiryHours applies when a gated tool has no override.
	DefaultExpiryHours int
	// DefaultRiskTier applies when a gated tool has no override.
	DefaultRiskTier RiskTier
}

// identityResolver is the subset of identity.Resolver the gate depends on,
// narrowed for testability.
type identityResolver interface {
	Resolve(ctx context.Context, channelType, channelValue string) (*identity.Contact, identity.Kind, error)
	ResolveByContactID(ctx context.Context, contactID string) (*identity.Contact, identity.Kind, error)
}

// ToolHandler executes a tool's side effect. Registered per tool name by the
// module that owns it; see executor.Registry, which collects them.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// Gate intercepts gated tool calls, matches standing rules, parks pending
// decisions, and drives execution of approved/auto-approved calls.
type Gate struct {
	store    *Store
	identity identityResolver
	cfg      Config
	handlers map[string]ToolHandler
}

// NewGate creates a Gate. handlers maps tool name → execution callback; a
// tool with no handler still advances through the state machine to executed
// (manual-approval fallback). Its execution_result is not left null: it is
// recorded as a success with no result value.
func NewGate(store *Store, resolver identityResolver, cfg Config, handlers map[string]ToolHandler) *Gate {
	if cfg.DefaultExpiryHours <= 0 {
		cfg.DefaultExpiryHours = DefaultExpiryHours
	}
	if cfg.DefaultRiskTier == "" {
		cfg.DefaultRiskTier = RiskStandard
	}
	if handlers == nil {
		handlers = map[string]ToolHandler{}
	}
	return &Gate{store: store, identity: resolver, cfg: cfg, handlers: handlers}
}

// Store returns the underlying Store, e.g. for Dashboard read queries.
func (g *Gate) Store() *Store {
	return g.store
}

// IsGated reports whether tool is in the configured gated set.
func (g *Gate) IsGated(tool string) bool {
	_, ok := g.cfg.GatedTools[tool]
	return ok
}

// ErrNotGated is returned by Handle for tools outside the configured gated
// set; callers should forward the call unchanged rather than treat this as
// a failure.
var ErrNotGated = fmt.Errorf("approvals: tool not gated")

// Handle runs the full decision procedure for one tool call.
func (g *Gate) Handle(ctx context.Context, call ToolCall) (*Decision, error) {
	if !g.IsGated(call.ToolName) {
		return nil, ErrNotGated
	}

	contact, kind := g.resolveTarget(ctx, call.Args)

	if kind == identity.Owner {
		return g.autoApprove(ctx, call, "", "owner is pre-trusted")
	}

	now := time.Now().UTC()
	candidates, err := g.store.CandidateRules(ctx, call.ToolName, now)
	if err != nil {
		return nil, fmt.Errorf("candidate rules: %w", err)
	}
	if winner := SelectWinner(candidates, call.Args); winner != nil {
		return g.autoApprove(ctx, call, winner.RuleID, "matched standing rule")
	}

	return g.park(ctx, call, contact)
}

// resolveTarget inspects call args in a fixed order:
// explicit contact_id → channel+recipient → channel-specific chat_id → to.
func (g *Gate) resolveTarget(ctx context.Context, args map[string]any) (*identity.Contact, identity.Kind) {
	if cid, ok := stringArg(args, "contact_id"); ok {
		contact, kind, err := g.identity.ResolveByContactID(ctx, cid)
		if err == nil {
			return contact, kind
		}
	}
	if channel, ok := stringArg(args, "channel"); ok {
		if recipient, ok := stringArg(args, "recipient"); ok {
			contact, kind, err := g.identity.Resolve(ctx, channel, recipient)
			if err == nil {
				return contact, kind
			}
		}
		if chatID, ok := stringArg(args, "chat_id"); ok {
			contact, kind, err := g.identity.Resolve(ctx, channel, chatID)
			if err == nil {
				return contact, kind
			}
		}
	}
	if to, ok := stringArg(args, "to"); ok {
		contact, kind, err := g.identity.Resolve(ctx, "email", to)
		if err == nil {
			return contact, kind
		}
	}
	return nil, identity.Unresolvable
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// autoApprove executes a call inline and records the auto_approved +
// execution_* events without ever parking a PendingAction row as pending.
// It still creates a terminal (executed) PendingAction row so the call has
// a durable audit trail and an action_id to reference.
func (g *Gate) autoApprove(ctx context.Context, call ToolCall, ruleID, reason string) (*Decision, error) {
	gatedCfg := g.cfg.GatedTools[call.ToolName]
	riskTier := gatedCfg.RiskTier
	if riskTier == "" {
		riskTier = g.cfg.DefaultRiskTier
	}

	now := time.Now().UTC()
	action := &PendingAction{
		ActionID:  uuid.NewString(),
		ToolName:  call.ToolName,
		ToolArgs:  RedactArgs(call.Args),
		Status:    StatusApproved,
		RequestedAt: now,
		ExpiresAt: now,
		SessionID: call.SessionID,
		RiskTier:  riskTier,
		RuleID:    ruleID,
	}
	if _, err := g.store.CreateAction(ctx, action); err != nil {
		return nil, fmt.Errorf("create auto-approved action: %w", err)
	}

	if err := g.store.InsertEvent(ctx, &Event{
		EventType: EventAutoApproved, ActionID: action.ActionID, RuleID: ruleID, Reason: reason,
	}); err != nil {
		return nil, fmt.Errorf("emit auto_approved: %w", err)
	}

	result, execErr := g.execute(ctx, call.ToolName, call.Args)
	if err := g.store.MarkExecuted(ctx, action.ActionID, result, ruleID); err != nil {
		return nil, fmt.Errorf("mark executed: %w", err)
	}
	g.emitExecutionEvent(ctx, action.ActionID, result)

	if execErr != nil && !result.Success {
		return &Decision{Status: "error", ActionID: action.ActionID, RuleID: ruleID, Error: result.Error, ErrorType: "ExecutionError"}, nil
	}
	return &Decision{Status: "ok", ActionID: action.ActionID, RuleID: ruleID, Result: result.Result}, nil
}

// park inserts a new pending row and emits action_queued.
func (g *Gate) park(ctx context.Context, call ToolCall, contact *identity.Contact) (*Decision, error) {
	gatedCfg := g.cfg.GatedTools[call.ToolName]
	expiryHours := gatedCfg.ExpiryHours
	if expiryHours <= 0 {
		expiryHours = g.cfg.DefaultExpiryHours
	}
	riskTier := gatedCfg.RiskTier
	if riskTier == "" {
		riskTier = g.cfg.DefaultRiskTier
	}

	now := time.Now().UTC()
	action := &PendingAction{
		ToolName:    call.ToolName,
		ToolArgs:    RedactArgs(call.Args),
		Status:      StatusPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(time.Duration(expiryHours) * time.Hour),
		SessionID:   call.SessionID,
		RiskTier:    riskTier,
	}
	actionID, err := g.store.CreateAction(ctx, action)
	if err != nil {
		return nil, fmt.Errorf("park action: %w", err)
	}

	if err := g.store.InsertEvent(ctx, &Event{
		EventType: EventActionQueued, ActionID: actionID, Reason: "no matching rule; awaiting approval",
	}); err != nil {
		return nil, fmt.Errorf("emit action_queued: %w", err)
	}

	return &Decision{
		Status:   "pending_approval",
		ActionID: actionID,
		Message:  fmt.Sprintf("%s requires approval (action %s)", call.ToolName, actionID),
	}, nil
}

func (g *Gate) execute(ctx context.Context, toolName string, args map[string]any) (*ExecutionResult, error) {
	handler, ok := g.handlers[toolName]
	if !ok {
		return &ExecutionResult{Success: true, ExecutedAt: time.Now().UTC()}, nil
	}
	value, err := handler(ctx, args)
	if err != nil {
		return &ExecutionResult{Success: false, Error: RedactText(err.Error()), ExecutedAt: time.Now().UTC()}, err
	}
	return &ExecutionResult{Success: true, Result: coerceResult(value), ExecutedAt: time.Now().UTC()}, nil
}

// coerceResult wraps non-object handler return values in {value: ...} so
// ExecutionResult.Result always marshals to a JSON object or null.
func coerceResult(v any) any {
	if v == nil {
		return nil
	}
	if _, ok := v.(map[string]any); ok {
		return v
	}
	return map[string]any{"value": v}
}

func (g *Gate) emitExecutionEvent(ctx context.Context, actionID string, result *ExecutionResult) {
	eventType := EventExecutionSucceeded
	reason := ""
	if !result.Success {
		eventType = EventExecutionFailed
		reason = result.Error
	}
	_ = g.store.InsertEvent(ctx, &Event{EventType: eventType, ActionID: actionID, Reason: reason})
}

// Approve transitions a pending action to approved and runs it through the
// Executor. Idempotent: replays of an already-terminal action return the
// existing terminal decision without side effects.
func (g *Gate) Approve(ctx context.Context, actionID, actor, reason string) (*Decision, error) {
	status, err := g.store.transition(ctx, actionID, StatusPending, StatusApproved, actor, reason)
	if err != nil {
		return nil, err
	}
	if status != StatusApproved {
		// Already resolved by a concurrent caller or previously terminal.
		return g.decisionForStatus(ctx, actionID, status)
	}

	if err := g.store.InsertEvent(ctx, &Event{EventType: EventApproved, ActionID: actionID, Actor: actor, Reason: reason}); err != nil {
		return nil, fmt.Errorf("emit approved: %w", err)
	}

	action, err := g.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}

	result, execErr := g.execute(ctx, action.ToolName, action.ToolArgs)
	if err := g.store.MarkExecuted(ctx, actionID, result, ""); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Another caller already executed this action concurrently —
			// idempotent from the caller's perspective.
			return g.decisionForStatus(ctx, actionID, StatusExecuted)
		}
		return nil, fmt.Errorf("mark executed: %w", err)
	}
	g.emitExecutionEvent(ctx, actionID, result)

	if execErr != nil && !result.Success {
		return &Decision{Status: "error", ActionID: actionID, Error: result.Error, ErrorType: "ExecutionError"}, nil
	}
	return &Decision{Status: "ok", ActionID: actionID, Result: result.Result}, nil
}

// Reject transitions a pending action to rejected.
func (g *Gate) Reject(ctx context.Context, actionID, actor, reason string) (*Decision, error) {
	status, err := g.store.transition(ctx, actionID, StatusPending, StatusRejected, actor, reason)
	if err != nil {
		return nil, err
	}
	if status != StatusRejected {
		return g.decisionForStatus(ctx, actionID, status)
	}
	if err := g.store.InsertEvent(ctx, &Event{EventType: EventRejected, ActionID: actionID, Actor: actor, Reason: reason}); err != nil {
		return nil, fmt.Errorf("emit rejected: %w", err)
	}
	return &Decision{Status: string(StatusRejected), ActionID: actionID}, nil
}

func (g *Gate) decisionForStatus(ctx context.Context, actionID string, status Status) (*Decision, error) {
	action, err := g.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	d := &Decision{Status: string(status), ActionID: actionID, RuleID: action.RuleID}
	if action.ExecutionResult != nil {
		d.Result = action.ExecutionResult.Result
		d.Error = action.ExecutionResult.Error
	}
	return d, nil
}

// ExpireStale scans pending actions past their deadline, transitions each to
// expired, and emits one expired event per action.
func (g *Gate) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	ids, err := g.store.ListExpiredActions(ctx, now)
	if err != nil {
		return 0, err
	}
	n, err := g.store.ExpireStale(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		_ = g.store.InsertEvent(ctx, &Event{EventType: EventExpired, ActionID: id, Reason: "expiry deadline passed"})
	}
	return n, nil
}

// CreateRule validates the risk-tier invariant and inserts a new standing
// rule.
func (g *Gate) CreateRule(ctx context.Context, spec RuleSpec, actor string) (*ApprovalRule, error) {
	rule := &ApprovalRule{
		ToolName:       spec.ToolName,
		ArgConstraints: spec.ArgConstraints,
		Description:    spec.Description,
		CreatedAt:      time.Now().UTC(),
		Active:         true,
		ExpiresAt:      spec.ExpiresAt,
		MaxUses:        spec.MaxUses,
		RiskTier:       spec.RiskTier,
	}
	if rule.RiskTier == "" {
		rule.RiskTier = RiskStandard
	}
	if err := ValidateRiskInvariant(rule); err != nil {
		return nil, err
	}
	if err := g.store.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	if err := g.store.InsertEvent(ctx, &Event{EventType: EventRuleCreated, RuleID: rule.RuleID, Actor: actor}); err != nil {
		return nil, fmt.Errorf("emit rule_created: %w", err)
	}
	return rule, nil
}

// sensitiveArgNames drives CreateRuleFromAction's constraint-building
// heuristic: args whose name suggests a meaningful recipient/amount/
// credential get an exact constraint; everything else gets {any}.
var sensitiveArgNames = map[string]bool{
	"to": true, "recipient": true, "email": true, "url": true,
	"amount": true, "password": true, "token": true,
}

// CreateRuleFromAction builds constraints from a PendingAction's tool_args
// using the same sensitivity heuristic create_rule_from_action applies elsewhere.
func (g *Gate) CreateRuleFromAction(ctx context.Context, actionID, actor string, riskTier RiskTier, expiresAt *time.Time, maxUses *int) (*ApprovalRule, error) {
	action, err := g.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}

	constraints := make(map[string]Constraint, len(action.ToolArgs))
	for key, val := range action.ToolArgs {
		if sensitiveArgNames[key] {
			constraints[key] = Constraint{Kind: ConstraintExact, Value: fmt.Sprintf("%v", val)}
		} else {
			constraints[key] = Constraint{Kind: ConstraintAny}
		}
	}

	rule, err := g.CreateRule(ctx, RuleSpec{
		ToolName:       action.ToolName,
		ArgConstraints: constraints,
		Description:    fmt.Sprintf("created from action %s", actionID),
		ExpiresAt:      expiresAt,
		MaxUses:        maxUses,
		RiskTier:       riskTier,
	}, actor)
	if err != nil {
		return nil, err
	}
	rule.CreatedFromActionID = actionID
	return rule, nil
}

// RevokeRule deactivates a standing rule.
func (g *Gate) RevokeRule(ctx context.Context, ruleID, actor string) error {
	if err := g.store.RevokeRule(ctx, ruleID); err != nil {
		return err
	}
	return g.store.InsertEvent(ctx, &Event{EventType: EventRuleRevoked, RuleID: ruleID, Actor: actor})
}

// ListExecuted is the audit review query surface.
func (g *Gate) ListExecuted(ctx context.Context, f ActionFilter) ([]*PendingAction, error) {
	f.Status = StatusExecuted
	return g.store.ListActions(ctx, f)
}
