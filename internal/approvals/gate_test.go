package approvals_test

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/opsbutler/butler/internal/approvals"
	"github.com/opsbutler/butler/internal/identity"
	"github.com/opsbutler/butler/internal/storage"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "butler-test-*.db")
	if err != nil {
		t.Fatalf("create temp db: %v", err)
	}
	f.Close()
	db, err := storage.Open(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newGate(t *testing.T, handlers map[string]approvals.ToolHandler) (*approvals.Gate, *identity.Resolver) {
	t.Helper()
	db := newTestDB(t)
	resolver := identity.New(db)
	store := approvals.NewStore(db)
	cfg := approvals.Config{
		GatedTools: map[string]approvals.GatedToolConfig{
			"bot_email_send": {ExpiryHours: 48, RiskTier: approvals.RiskStandard},
		},
	}
	return approvals.NewGate(store, resolver, cfg, handlers), resolver
}

func TestHandle_OwnerAlwaysAutoApproved(t *testing.T) {
	ctx := context.Background()
	gate, resolver := newGate(t, nil)

	owner, err := resolver.BootstrapOwner(ctx, "Alice", "email", "alice@example.com")
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	decision, err := gate.Handle(ctx, approvals.ToolCall{
		ToolName: "bot_email_send",
		Args:     map[string]any{"to": "alice@example.com", "body": "hi"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if decision.Status != "ok" {
		t.Fatalf("expected owner call to auto-approve, got %+v", decision)
	}

	executed, err := gate.ListExecuted(ctx, approvals.ActionFilter{})
	if err != nil {
		t.Fatalf("list executed: %v", err)
	}
	if len(executed) != 1 {
		t.Fatalf("expected one executed action, got %d", len(executed))
	}
	_ = owner
}

func TestHandle_AutoApprovalByRule(t *testing.T) {
	ctx := context.Background()
	var called bool
	gate, _ := newGate(t, map[string]approvals.ToolHandler{
		"bot_email_send": func(ctx context.Context, args map[string]any) (any, error) {
			called = true
			return "sent", nil
		},
	})

	expires := time.Now().Add(time.Hour)
	maxUses := 5
	_, err := gate.CreateRule(ctx, approvals.RuleSpec{
		ToolName: "bot_email_send",
		ArgConstraints: map[string]approvals.Constraint{
			"to": {Kind: approvals.ConstraintExact, Value: "ops@x.com"},
		},
		ExpiresAt: &expires,
		MaxUses:   &maxUses,
	}, "operator")
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	decision, err := gate.Handle(ctx, approvals.ToolCall{
		ToolName: "bot_email_send",
		Args:     map[string]any{"to": "ops@x.com", "body": "hi"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if decision.Status != "ok" {
		t.Fatalf("expected auto-approval, got %+v", decision)
	}
	if !called {
		t.Fatalf("expected handler to run")
	}

	pending, err := gate.Store().ListActions(ctx, approvals.ActionFilter{Status: approvals.StatusPending})
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending row for rule-matched call")
	}
}

func TestHandle_ParkThenApprove(t *testing.T) {
	ctx := context.Background()
	gate, resolver := newGate(t, map[string]approvals.ToolHandler{
		"bot_email_send": func(ctx context.Context, args map[string]any) (any, error) { return "sent", nil },
	})
	if _, err := resolver.CreateTempContact(ctx, "Ext", "email", "ext@y.com"); err != nil {
		t.Fatalf("create temp contact: %v", err)
	}

	decision, err := gate.Handle(ctx, approvals.ToolCall{
		ToolName: "bot_email_send",
		Args:     map[string]any{"to": "ext@y.com", "body": "hi"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if decision.Status != "pending_approval" {
		t.Fatalf("expected pending_approval, got %+v", decision)
	}

	final, err := gate.Approve(ctx, decision.ActionID, "op", "")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if final.Status != "ok" {
		t.Fatalf("expected ok after approve, got %+v", final)
	}

	events, err := gate.Store().ListEvents(ctx, approvals.EventFilter{ActionID: decision.ActionID})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var types []string
	for i := len(events) - 1; i >= 0; i-- { // stored newest-first; read oldest-first
		types = append(types, string(events[i].EventType))
	}
	want := []string{"action_queued", "approved", "execution_succeeded"}
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, types)
		}
	}

	action, err := gate.Store().GetAction(ctx, decision.ActionID)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if action.Status != approvals.StatusExecuted {
		t.Fatalf("expected terminal executed status, got %s", action.Status)
	}
}

func TestApprove_ConcurrentRaceConvergesOnce(t *testing.T) {
	ctx := context.Background()
	var execCount int
	var mu sync.Mutex
	gate, resolver := newGate(t, map[string]approvals.ToolHandler{
		"bot_email_send": func(ctx context.Context, args map[string]any) (any, error) {
			mu.Lock()
			execCount++
			mu.Unlock()
			return "sent", nil
		},
	})
	if _, err := resolver.CreateTempContact(ctx, "Ext", "email", "ext@y.com"); err != nil {
		t.Fatalf("create temp contact: %v", err)
	}
	decision, err := gate.Handle(ctx, approvals.ToolCall{
		ToolName: "bot_email_send",
		Args:     map[string]any{"to": "ext@y.com"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]*approvals.Decision, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := gate.Approve(ctx, decision.ActionID, "op", "")
			if err != nil {
				t.Errorf("approve race: %v", err)
				return
			}
			results[i] = d
		}(i)
	}
	wg.Wait()

	if execCount != 1 {
		t.Fatalf("expected exactly one execution, got %d", execCount)
	}
	for _, r := range results {
		if r == nil || r.Status != "ok" {
			t.Fatalf("expected both callers to observe ok status, got %+v", results)
		}
	}
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	gate, resolver := newGate(t, nil)
	if _, err := resolver.CreateTempContact(ctx, "Ext", "email", "ext@y.com"); err != nil {
		t.Fatalf("create temp contact: %v", err)
	}

	decision, err := gate.Handle(ctx, approvals.ToolCall{
		ToolName: "bot_email_send",
		Args:     map[string]any{"to": "ext@y.com"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	future := time.Now().Add(49 * time.Hour)
	n, err := gate.ExpireStale(ctx, future)
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired action, got %d", n)
	}

	action, err := gate.Store().GetAction(ctx, decision.ActionID)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if action.Status != approvals.StatusExpired {
		t.Fatalf("expected expired, got %s", action.Status)
	}

	// Reject after expiry must not regress state.
	if _, err := gate.Reject(ctx, decision.ActionID, "op", "too late"); err != nil {
		t.Fatalf("reject after expiry: %v", err)
	}
	action, err = gate.Store().GetAction(ctx, decision.ActionID)
	if err != nil {
		t.Fatalf("get action: %v", err)
	}
	if action.Status != approvals.StatusExpired {
		t.Fatalf("expected status to remain expired, got %s", action.Status)
	}
}

func TestCreateRule_RiskInvariant(t *testing.T) {
	ctx := context.Background()
	gate, _ := newGate(t, nil)

	_, err := gate.CreateRule(ctx, approvals.RuleSpec{
		ToolName:       "bot_email_send",
		ArgConstraints: map[string]approvals.Constraint{"to": {Kind: approvals.ConstraintAny}},
		RiskTier:       approvals.RiskHigh,
	}, "op")
	if err == nil {
		t.Fatalf("expected risk invariant violation for unbounded high-risk rule with no specific constraint")
	}

	expires := time.Now().Add(time.Hour)
	_, err = gate.CreateRule(ctx, approvals.RuleSpec{
		ToolName:       "bot_email_send",
		ArgConstraints: map[string]approvals.Constraint{"to": {Kind: approvals.ConstraintExact, Value: "ops@x.com"}},
		ExpiresAt:      &expires,
		RiskTier:       approvals.RiskHigh,
	}, "op")
	if err != nil {
		t.Fatalf("expected valid high-risk rule to be accepted: %v", err)
	}
}

func TestParseChatDecision(t *testing.T) {
	d, err := approvals.ParseChatDecision("approve a3f2b1")
	if err != nil || !d.Approve || d.ActionID != "a3f2b1" {
		t.Fatalf("unexpected parse: %+v, %v", d, err)
	}

	_, err = approvals.ParseChatDecision("reject a3f2b1")
	if err == nil {
		t.Fatalf("expected reject without reason to fail")
	}

	d, err = approvals.ParseChatDecision(`reject a3f2b1 reason="not now"`)
	if err != nil || d.Approve || d.Reason != "not now" {
		t.Fatalf("unexpected parse: %+v, %v", d, err)
	}

	_, err = approvals.ParseChatDecision("hello there")
	if err != approvals.ErrNotADecision {
		t.Fatalf("expected ErrNotADecision, got %v", err)
	}
}
