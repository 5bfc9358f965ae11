// Package notifier delivers out-of-band owner notifications: new
// pending approvals (batched to minimize friction), unknown-sender first
// contact, and scheduled-task failure summaries. It is grounded on an
// earlier internal/ruriko/audit room-notice notifier — a Sender interface
// kept thin enough to unit-test, a Kind-tagged Event, and fail-open send
// semantics (a delivery failure is logged, never propagated to the caller).
package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/opsbutler/butler/internal/identity"
)

// Kind is a machine-readable notification category.
type Kind string

const (
	KindApprovalPending   Kind = "approval.pending"
	KindUnknownSender     Kind = "sender.unknown"
	KindScheduledFailure  Kind = "schedule.failed"
)

// Event is one notification destined for the owner (or, for the acyclic
// non-owner case, for whichever channel the caller targets).
type Event struct {
	Kind      Kind
	Butler    string
	Subject   string
	Message   string
	Timestamp time.Time
}

// Sender is the subset of an outbound channel the notifier needs. Every
// channel connector (Matrix, Telegram, ...) implements this the same way it
// implements its own send tool, so the notifier is not itself a special
// transport.
type Sender interface {
	Send(ctx context.Context, channelType, destination, message string) error
}

// Approver decides whether a notification aimed at destination requires
// approval before sending. Owner-targeted notifications are
// always auto-approved; a notifier targeting any other destination is
// subject to the same approval semantics as any other outbound tool call —
// this is wired in by the caller (an Approver that consults the gate)
// rather than handled inside this package, keeping notifier decoupled from
// the approvals package.
type Approver interface {
	AutoApproved(ctx context.Context, channelType, destination string) bool
}

// ownerAlwaysApprover is the default Approver: every destination that
// matches the configured owner channel is auto-approved; everything else is
// rejected outright rather than silently escalated, since wiring the full
// approval gate into the notifier is left to callers that need it.
type ownerAlwaysApprover struct {
	ownerChannelType string
	ownerDestination string
}

func (a ownerAlwaysApprover) AutoApproved(_ context.Context, channelType, destination string) bool {
	return channelType == a.ownerChannelType && destination == a.ownerDestination
}

// Notifier batches and delivers owner notifications.
type Notifier struct {
	sender   Sender
	approver Approver

	ownerChannelType string
	ownerDestination string

	batchWindow time.Duration

	mu      sync.Mutex
	pending []Event
	timer   *time.Timer
	log     *slog.Logger
}

// Config configures a Notifier.
type Config struct {
	OwnerChannelType string
	OwnerDestination string
	// BatchWindow is how long pending-approval notifications are held
	// before being flushed as one combined message, to avoid paging the
	// owner once per action during a burst. Zero uses DefaultBatchWindow; a
	// negative value disables batching (send immediately).
	BatchWindow time.Duration
	Approver    Approver
}

// DefaultBatchWindow is the batching window New applies when
// Config.BatchWindow is zero.
const DefaultBatchWindow = 30 * time.Second

// New creates a Notifier.
func New(sender Sender, cfg Config, log *slog.Logger) *Notifier {
	window := cfg.BatchWindow
	if window == 0 {
		window = DefaultBatchWindow
	}
	approver := cfg.Approver
	if approver == nil {
		approver = ownerAlwaysApprover{ownerChannelType: cfg.OwnerChannelType, ownerDestination: cfg.OwnerDestination}
	}
	return &Notifier{
		sender:           sender,
		approver:         approver,
		ownerChannelType: cfg.OwnerChannelType,
		ownerDestination: cfg.OwnerDestination,
		batchWindow:      window,
		log:              log,
	}
}

// NotifyOwnerUnknownSender satisfies switchboard.Notifier. Unknown-sender
// notifications are never batched — each is a distinct, already-deduplicated
// first-contact event (the caller gates delivery on the one-shot
// identity:unknown_notified KV flag, so this is called at most once per
// channel identifier).
func (n *Notifier) NotifyOwnerUnknownSender(ctx context.Context, contact *identity.Contact, channelType, channelValue string) error {
	subject := "unknown sender"
	if contact != nil && contact.Name != "" {
		subject = contact.Name
	}
	return n.deliver(ctx, Event{
		Kind:      KindUnknownSender,
		Subject:   subject,
		Message:   fmt.Sprintf("First contact from unrecognized sender on %s: %s", channelType, channelValue),
		Timestamp: time.Now(),
	})
}

// NotifyApprovalPending enqueues a pending-approval notification. Multiple
// calls within BatchWindow are coalesced into one delivered message.
func (n *Notifier) NotifyApprovalPending(ctx context.Context, butler, actionID, toolName string) {
	evt := Event{
		Kind:      KindApprovalPending,
		Butler:    butler,
		Subject:   actionID,
		Message:   fmt.Sprintf("%s requested: %s (action %s)", butler, toolName, actionID),
		Timestamp: time.Now(),
	}
	if n.batchWindow <= 0 {
		if err := n.deliver(ctx, evt); err != nil {
			n.log.Warn("notifier: send failed", "kind", evt.Kind, "error", err)
		}
		return
	}
	n.enqueue(ctx, evt)
}

// NotifyScheduledFailure delivers an immediate summary of a scheduled task
// that failed to run to completion; these are never batched since each is
// actionable on its own.
func (n *Notifier) NotifyScheduledFailure(ctx context.Context, taskName, reason string) {
	evt := Event{
		Kind:      KindScheduledFailure,
		Subject:   taskName,
		Message:   fmt.Sprintf("scheduled task %q failed: %s", taskName, reason),
		Timestamp: time.Now(),
	}
	if err := n.deliver(ctx, evt); err != nil {
		n.log.Warn("notifier: send failed", "kind", evt.Kind, "error", err)
	}
}

func (n *Notifier) enqueue(ctx context.Context, evt Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pending = append(n.pending, evt)
	if n.timer != nil {
		return
	}
	n.timer = time.AfterFunc(n.batchWindow, func() { n.flush(ctx) })
}

func (n *Notifier) flush(ctx context.Context) {
	n.mu.Lock()
	batch := n.pending
	n.pending = nil
	n.timer = nil
	n.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := n.deliver(ctx, combine(batch)); err != nil {
		n.log.Warn("notifier: batch send failed", "count", len(batch), "error", err)
	}
}

func combine(batch []Event) Event {
	if len(batch) == 1 {
		return batch[0]
	}
	var lines []string
	for _, e := range batch {
		lines = append(lines, "- "+e.Message)
	}
	return Event{
		Kind:      KindApprovalPending,
		Subject:   fmt.Sprintf("%d pending approvals", len(batch)),
		Message:   fmt.Sprintf("%d actions await approval:\n%s", len(batch), strings.Join(lines, "\n")),
		Timestamp: time.Now(),
	}
}

// deliver sends evt to the owner destination. This path is always
// auto-approved; a notifier configured to target a non-owner destination
// (not exposed by this package's exported methods today, reserved for
// future per-channel escalation) would instead consult n.approver.
func (n *Notifier) deliver(ctx context.Context, evt Event) error {
	if !n.approver.AutoApproved(ctx, n.ownerChannelType, n.ownerDestination) {
		return fmt.Errorf("notifier: destination %s/%s is not auto-approved", n.ownerChannelType, n.ownerDestination)
	}
	return n.sender.Send(ctx, n.ownerChannelType, n.ownerDestination, evt.Message)
}
