package approvals

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an action or rule ID has no matching row.
var ErrNotFound = errors.New("approvals: not found")

// Store persists PendingAction, ApprovalRule, and Event rows. It owns the
// pending_actions, approval_rules, and approval_events tables exclusively;
// no other component issues SQL against them directly.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over the shared database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateAction inserts a new pending action and returns its assigned ID.
func (s *Store) CreateAction(ctx context.Context, a *PendingAction) (string, error) {
	if a.ActionID == "" {
		a.ActionID = uuid.NewString()
	}
	argsJSON, err := json.Marshal(a.ToolArgs)
	if err != nil {
		return "", fmt.Errorf("encode tool_args: %w", err)
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	if a.RiskTier == "" {
		a.RiskTier = RiskStandard
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_actions
			(action_id, tool_name, tool_args, status, requested_at, expires_at,
			 rule_id, agent_summary, session_id, risk_tier)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ActionID, a.ToolName, string(argsJSON), string(a.Status), a.RequestedAt, a.ExpiresAt,
		nullableString(a.RuleID), a.AgentSummary, a.SessionID, string(a.RiskTier))
	if err != nil {
		return "", fmt.Errorf("insert pending action: %w", err)
	}
	return a.ActionID, nil
}

// GetAction fetches an action by ID.
func (s *Store) GetAction(ctx context.Context, id string) (*PendingAction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT action_id, tool_name, tool_args, status, requested_at, expires_at,
		       decided_by, decided_at, execution_result, rule_id, agent_summary,
		       session_id, risk_tier, needs_reconciliation
		FROM pending_actions WHERE action_id = ?
	`, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*PendingAction, error) {
	var a PendingAction
	var argsJSON string
	var status, riskTier string
	var decidedBy sql.NullString
	var decidedAt sql.NullTime
	var execResult sql.NullString
	var ruleID sql.NullString
	var needsReconciliation int

	if err := row.Scan(
		&a.ActionID, &a.ToolName, &argsJSON, &status, &a.RequestedAt, &a.ExpiresAt,
		&decidedBy, &decidedAt, &execResult, &ruleID, &a.AgentSummary,
		&a.SessionID, &riskTier, &needsReconciliation,
	); err != nil {
		return nil, err
	}

	a.Status = Status(status)
	a.RiskTier = RiskTier(riskTier)
	a.NeedsReconciliation = needsReconciliation != 0
	if err := json.Unmarshal([]byte(argsJSON), &a.ToolArgs); err != nil {
		return nil, fmt.Errorf("decode tool_args: %w", err)
	}
	if decidedBy.Valid {
		a.DecidedBy = decidedBy.String
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		a.DecidedAt = &t
	}
	if ruleID.Valid {
		a.RuleID = ruleID.String
	}
	if execResult.Valid && execResult.String != "" {
		var res ExecutionResult
		if err := json.Unmarshal([]byte(execResult.String), &res); err != nil {
			return nil, fmt.Errorf("decode execution_result: %w", err)
		}
		a.ExecutionResult = &res
	}
	return &a, nil
}

// ActionFilter narrows ListActions / ListExecuted queries.
type ActionFilter struct {
	Status   Status
	ToolName string
	Limit    int
}

// ListActions queries pending_actions with optional status/tool filters.
func (s *Store) ListActions(ctx context.Context, f ActionFilter) ([]*PendingAction, error) {
	query := `SELECT action_id, tool_name, tool_args, status, requested_at, expires_at,
		decided_by, decided_at, execution_result, rule_id, agent_summary,
		session_id, risk_tier, needs_reconciliation FROM pending_actions WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.ToolName != "" {
		query += " AND tool_name = ?"
		args = append(args, f.ToolName)
	}
	query += " ORDER BY requested_at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []*PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// transition performs a CAS status update: pending_actions is only updated
// when its current status equals fromStatus. Returns the resulting status:
// the new status on success, or the action's actual current status when the
// CAS lost the race — making approve/reject/expire idempotent for replays.
func (s *Store) transition(ctx context.Context, id string, fromStatus, toStatus Status, actor, reason string) (Status, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions
		SET status = ?, decided_by = ?, decided_at = ?
		WHERE action_id = ? AND status = ?
	`, string(toStatus), actor, now, id, string(fromStatus))
	if err != nil {
		return "", fmt.Errorf("transition action: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		existing, err := s.GetAction(ctx, id)
		if err != nil {
			return "", err
		}
		return existing.Status, nil
	}
	return toStatus, nil
}

// ExpireStale transitions every pending action whose expires_at has passed
// (inclusive) to expired, returning the number of rows affected.
func (s *Store) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pending_actions
		SET status = 'expired', decided_at = ?
		WHERE status = 'pending' AND expires_at <= ?
	`, now.UTC(), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire stale actions: %w", err)
	}
	return result.RowsAffected()
}

// ListExpiredActions returns the IDs that ExpireStale would affect, fetched
// before the sweep so callers can emit one audit event per expired action.
func (s *Store) ListExpiredActions(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT action_id FROM pending_actions WHERE status = 'pending' AND expires_at <= ?`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list expiring actions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkExecuted records the execution outcome, transitions approved→executed,
// and — when ruleID is non-empty — increments the winning rule's use_count,
// all within a single transaction.
func (s *Store) MarkExecuted(ctx context.Context, id string, result *ExecutionResult, ruleID string) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode execution_result: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark-executed: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE pending_actions
		SET status = 'executed', execution_result = ?
		WHERE action_id = ? AND status = 'approved'
	`, string(resultJSON), id)
	if err != nil {
		return fmt.Errorf("mark executed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: action %s not in approved state", ErrInvalidTransition, id)
	}

	if ruleID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE approval_rules SET use_count = use_count + 1 WHERE rule_id = ?`, ruleID,
		); err != nil {
			return fmt.Errorf("increment rule use_count: %w", err)
		}
	}

	return tx.Commit()
}

// ErrInvalidTransition surfaces a CAS mismatch to the caller.
var ErrInvalidTransition = errors.New("approvals: invalid state transition")

// MarkNeedsReconciliation flags actions that are approved but whose
// execution was never observed to complete (daemon crash between dispatch
// and persistence — the ambiguous execution recovery case).
func (s *Store) MarkNeedsReconciliation(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE pending_actions SET needs_reconciliation = 1 WHERE action_id = ? AND status = 'approved'`, id,
		); err != nil {
			return fmt.Errorf("flag reconciliation for %s: %w", id, err)
		}
	}
	return nil
}

// ListNeedsReconciliation returns approved actions flagged for operator
// review.
func (s *Store) ListNeedsReconciliation(ctx context.Context) ([]*PendingAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action_id, tool_name, tool_args, status, requested_at, expires_at,
		       decided_by, decided_at, execution_result, rule_id, agent_summary,
		       session_id, risk_tier, needs_reconciliation
		FROM pending_actions WHERE needs_reconciliation = 1 ORDER BY requested_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list reconciliation: %w", err)
	}
	defer rows.Close()
	var out []*PendingAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListApprovedBefore returns approved actions with no execution_result whose
// decided_at is before cutoff — candidates for reconciliation on restart.
func (s *Store) ListApprovedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action_id FROM pending_actions
		WHERE status = 'approved' AND execution_result IS NULL AND decided_at < ?
	`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale approved: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Rules ---

// CreateRule inserts a new ApprovalRule.
func (s *Store) CreateRule(ctx context.Context, r *ApprovalRule) error {
	if r.RuleID == "" {
		r.RuleID = uuid.NewString()
	}
	constraintsJSON, err := json.Marshal(r.ArgConstraints)
	if err != nil {
		return fmt.Errorf("encode arg_constraints: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_rules
			(rule_id, tool_name, arg_constraints, description, created_at, active,
			 expires_at, max_uses, use_count, risk_tier, created_from_action_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, r.RuleID, r.ToolName, string(constraintsJSON), r.Description, r.CreatedAt, r.Active,
		r.ExpiresAt, r.MaxUses, string(r.RiskTier), nullableString(r.CreatedFromActionID))
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

// GetRule fetches a rule by ID.
func (s *Store) GetRule(ctx context.Context, id string) (*ApprovalRule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT rule_id, tool_name, arg_constraints, description, created_at, active,
		       expires_at, max_uses, use_count, risk_tier, created_from_action_id
		FROM approval_rules WHERE rule_id = ?
	`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func scanRule(row rowScanner) (*ApprovalRule, error) {
	var r ApprovalRule
	var constraintsJSON, riskTier string
	var expiresAt sql.NullTime
	var maxUses sql.NullInt64
	var createdFrom sql.NullString

	if err := row.Scan(
		&r.RuleID, &r.ToolName, &constraintsJSON, &r.Description, &r.CreatedAt, &r.Active,
		&expiresAt, &maxUses, &r.UseCount, &riskTier, &createdFrom,
	); err != nil {
		return nil, err
	}
	r.RiskTier = RiskTier(riskTier)
	if err := json.Unmarshal([]byte(constraintsJSON), &r.ArgConstraints); err != nil {
		return nil, fmt.Errorf("decode arg_constraints: %w", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		r.ExpiresAt = &t
	}
	if maxUses.Valid {
		n := int(maxUses.Int64)
		r.MaxUses = &n
	}
	if createdFrom.Valid {
		r.CreatedFromActionID = createdFrom.String
	}
	return &r, nil
}

// CandidateRules returns active, non-expired, non-exhausted rules for
// toolName — the pre-filter for the gate's precedence sort.
func (s *Store) CandidateRules(ctx context.Context, toolName string, now time.Time) ([]*ApprovalRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, tool_name, arg_constraints, description, created_at, active,
		       expires_at, max_uses, use_count, risk_tier, created_from_action_id
		FROM approval_rules
		WHERE tool_name = ? AND active = 1
		  AND (expires_at IS NULL OR expires_at > ?)
		  AND (max_uses IS NULL OR use_count < max_uses)
	`, toolName, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("candidate rules: %w", err)
	}
	defer rows.Close()

	var out []*ApprovalRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RevokeRule deactivates a rule.
func (s *Store) RevokeRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE approval_rules SET active = 0 WHERE rule_id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoke rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Events ---

// InsertEvent appends an immutable audit event.
func (s *Store) InsertEvent(ctx context.Context, e *Event) error {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	metaJSON, err := json.Marshal(e.PayloadMetadata)
	if err != nil {
		return fmt.Errorf("encode payload_metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_events
			(event_id, event_type, action_id, rule_id, actor, occurred_at, reason, payload_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.EventID, string(e.EventType), nullableString(e.ActionID), nullableString(e.RuleID),
		e.Actor, e.OccurredAt, e.Reason, string(metaJSON))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EventFilter narrows ListEvents queries.
type EventFilter struct {
	ActionID string
	Limit    int
}

// ListEvents returns audit events, most recent first.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]*Event, error) {
	query := `SELECT event_id, event_type, action_id, rule_id, actor, occurred_at, reason, payload_metadata
		FROM approval_events WHERE 1=1`
	var args []any
	if f.ActionID != "" {
		query += " AND action_id = ?"
		args = append(args, f.ActionID)
	}
	query += " ORDER BY occurred_at DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var actionID, ruleID sql.NullString
		var metaJSON string
		if err := rows.Scan(&e.EventID, &e.EventType, &actionID, &ruleID, &e.Actor, &e.OccurredAt, &e.Reason, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if actionID.Valid {
			e.ActionID = actionID.String
		}
		if ruleID.Valid {
			e.RuleID = ruleID.String
		}
		if err := json.Unmarshal([]byte(metaJSON), &e.PayloadMetadata); err != nil {
			return nil, fmt.Errorf("decode payload_metadata: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
