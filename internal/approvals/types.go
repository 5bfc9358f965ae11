// Package approvals implements the butler's approval gate: it intercepts
// invocation of designated tools, matches standing rules, parks pending
// decisions for a human operator, executes on approval with at-most-once
// semantics, and emits an immutable audit trail.
//
// The package itself is modeled directly on an earlier
// internal/ruriko/approvals package (same CAS-on-status store
// shape, same plain-text decision parser), generalized from a fixed list of
// five gated CLI actions to an arbitrary configured set of MCP tool names
// with per-rule argument constraints.
package approvals

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a PendingAction.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
	StatusExecuted Status = "executed"
)

// RiskTier classifies how much latitude a rule or action is given.
type RiskTier string

const (
	RiskStandard RiskTier = "standard"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

// DefaultExpiryHours is used when neither a per-tool nor a module default
// expiry is configured.
const DefaultExpiryHours = 48

// PendingAction is an intercepted tool invocation awaiting or having
// received a decision.
type PendingAction struct {
	ActionID            string
	ToolName            string
	ToolArgs            map[string]any
	Status              Status
	RequestedAt         time.Time
	ExpiresAt           time.Time
	DecidedBy           string
	DecidedAt           *time.Time
	ExecutionResult     *ExecutionResult
	RuleID              string
	AgentSummary        string
	SessionID           string
	RiskTier            RiskTier
	NeedsReconciliation bool
}

// ExecutionResult records the outcome of running an approved action.
type ExecutionResult struct {
	Success    bool   `json:"success"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// ConstraintKind identifies how an ApprovalRule argument constraint matches.
type ConstraintKind string

const (
	// ConstraintExact requires the argument value to equal Value exactly.
	ConstraintExact ConstraintKind = "exact"
	// ConstraintPattern requires the argument value to match a regexp.
	ConstraintPattern ConstraintKind = "pattern"
	// ConstraintAny matches any value for the argument (including absent).
	ConstraintAny ConstraintKind = "any"
)

// Constraint is a single per-argument matching rule.
type Constraint struct {
	Kind  ConstraintKind `json:"kind"`
	Value string         `json:"value,omitempty"`
}

// UnmarshalJSON accepts the canonical {kind,value} object form as well as
// two legacy scalar forms a rule author might still write by hand: the bare
// string "*" (equivalent to {any}) and any other bare scalar (equivalent to
// {exact, v}).
func (c *Constraint) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		if asString == "*" {
			*c = Constraint{Kind: ConstraintAny}
		} else {
			*c = Constraint{Kind: ConstraintExact, Value: asString}
		}
		return nil
	}

	var scalar any
	if err := json.Unmarshal(data, &scalar); err == nil {
		switch v := scalar.(type) {
		case float64, bool:
			*c = Constraint{Kind: ConstraintExact, Value: fmt.Sprintf("%v", v)}
			return nil
		}
	}

	type alias Constraint
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*c = Constraint(a)
	return nil
}

// specificity returns the match-strength score used for rule precedence
//: exact=3, pattern=2, any=0.
func (c Constraint) specificity() int {
	switch c.Kind {
	case ConstraintExact:
		return 3
	case ConstraintPattern:
		return 2
	default:
		return 0
	}
}

// ApprovalRule is an operator-declared auto-approval pattern over
// (tool_name, arg_constraints).
type ApprovalRule struct {
	RuleID              string
	ToolName            string
	ArgConstraints      map[string]Constraint
	Description         string
	CreatedAt           time.Time
	Active              bool
	ExpiresAt           *time.Time
	MaxUses             *int
	UseCount            int
	RiskTier            RiskTier
	CreatedFromActionID string
}

// EventType enumerates the immutable ApprovalEvent kinds.
type EventType string

const (
	EventActionQueued       EventType = "action_queued"
	EventAutoApproved       EventType = "auto_approved"
	EventApproved           EventType = "approved"
	EventRejected           EventType = "rejected"
	EventExpired            EventType = "expired"
	EventExecutionSucceeded EventType = "execution_succeeded"
	EventExecutionFailed    EventType = "execution_failed"
	EventRuleCreated        EventType = "rule_created"
	EventRuleRevoked        EventType = "rule_revoked"
)

// Event is one immutable row of the approval audit trail.
type Event struct {
	EventID         string
	EventType       EventType
	ActionID        string
	RuleID          string
	Actor           string
	OccurredAt      time.Time
	Reason          string
	PayloadMetadata map[string]any
}

// RuleSpec is the input to CreateRule.
type RuleSpec struct {
	ToolName       string
	ArgConstraints map[string]Constraint
	Description    string
	ExpiresAt      *time.Time
	MaxUses        *int
	RiskTier       RiskTier
}

// Decision is the outcome handed back to the tool-dispatch caller.
type Decision struct {
	Status    string // "ok" | "pending_approval" | "error", or the action's current status when Approve/Reject finds it already decided or Reject succeeds ("rejected")
	ActionID  string
	RuleID    string
	Message   string
	Result    any
	Error     string
	ErrorType string
}
