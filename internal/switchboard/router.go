package switchboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opsbutler/butler/internal/identity"
)

// identityResolver narrows identity.Resolver to what the Router needs,
// matching the narrowing the approval gate already does against the same
// package (internal/approvals/gate.go's identityResolver interface).
type identityResolver interface {
	Resolve(ctx context.Context, channelType, channelValue string) (*identity.Contact, identity.Kind, error)
	CreateTempContact(ctx context.Context, displayName, channelType, channelValue string) (*identity.Contact, error)
}

// Notifier is the narrow interface the Router needs to raise the one-shot
// unknown-sender notification. Declared here to avoid a dependency
// on the full notifier package's construction concerns.
type Notifier interface {
	NotifyOwnerUnknownSender(ctx context.Context, contact *identity.Contact, channelType, channelValue string) error
}

// Router implements the Switchboard ingress procedure.
type Router struct {
	store    *Store
	resolver identityResolver
	spawner  Spawner
	notifier Notifier
	routes   []RoutingRule
	limiter  *rateLimiter
	log      *slog.Logger
}

// Config configures a Router.
type Config struct {
	Routes    []RoutingRule
	RateLimit int // per channel type per minute; 0 uses DefaultRateLimit
}

// NewRouter creates a Router wired to its dependencies.
func NewRouter(store *Store, resolver identityResolver, spawner Spawner, notifier Notifier, cfg Config, log *slog.Logger) *Router {
	return &Router{
		store:    store,
		resolver: resolver,
		spawner:  spawner,
		notifier: notifier,
		routes:   cfg.Routes,
		limiter:  newRateLimiter(cfg.RateLimit, time.Minute),
		log:      log,
	}
}

// ErrRateLimited is returned when a connector's channel has exceeded its
// inbound delivery quota.
var ErrRateLimited = errors.New("switchboard: channel rate limited")

// ErrNoRoute is returned when no RoutingRule matches the event's
// (channel_type, resolved role) pair.
var ErrNoRoute = errors.New("switchboard: no routing rule for channel/role")

// Ingest runs the full ingress procedure: dedup, identity resolution,
// preamble construction, routing, spawn enqueue. It returns nil on a
// duplicate delivery (the correct "already handled" outcome, not an error)
// so connectors don't retry it.
func (r *Router) Ingest(ctx context.Context, ev InboundEvent) error {
	idempotencyKey := IdempotencyKey(ev.ChannelType, ev.EndpointIdentity, ev.ExternalEventID)
	pipelineRequestID := uuid.NewString()

	if !r.limiter.Allow(ev.ChannelType) {
		return ErrRateLimited
	}

	// Write-path: fail-closed. A write failure here must propagate so the
	// connector redelivers — idempotency on retry is guaranteed by the
	// unique key, never by best-effort suppression.
	err := r.store.InsertInbox(ctx, ev.ChannelType, ev.ExternalEventID, idempotencyKey, string(ev.RawPayload), pipelineRequestID)
	if errors.Is(err, ErrDuplicate) {
		r.log.Debug("switchboard: duplicate delivery dropped", "channel", ev.ChannelType, "event_id", ev.ExternalEventID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("switchboard ingest: %w", err)
	}

	// Read-path: fail-open. Identity lookup failures degrade to
	// "unresolvable" with a warning rather than blocking the event.
	contact, kind, err := r.resolver.Resolve(ctx, ev.ChannelType, ev.EndpointIdentity)
	if err != nil {
		r.log.Warn("switchboard: identity resolution failed, treating as unresolvable",
			"channel", ev.ChannelType, "endpoint", ev.EndpointIdentity, "error", err)
		kind = identity.Unresolvable
		contact = nil
	}

	if kind == identity.Unresolvable {
		contact, err = r.resolver.CreateTempContact(ctx, "Unknown sender", ev.ChannelType, ev.EndpointIdentity)
		if err != nil {
			return fmt.Errorf("switchboard: create temp contact: %w", err)
		}
		if shouldNotify, notifyErr := r.store.MarkUnknownNotified(ctx, ev.ChannelType, ev.EndpointIdentity); notifyErr != nil {
			r.log.Warn("switchboard: unknown-sender flag check failed", "error", notifyErr)
		} else if shouldNotify && r.notifier != nil {
			if err := r.notifier.NotifyOwnerUnknownSender(ctx, contact, ev.ChannelType, ev.EndpointIdentity); err != nil {
				r.log.Warn("switchboard: owner notification failed", "error", err)
			}
		}
	}

	preamble := buildIdentityPreamble(kind, contact, ev.ChannelType)

	butler, err := r.selectButler(ev.ChannelType, kind)
	if err != nil {
		return err
	}

	contactID := ""
	if contact != nil {
		contactID = contact.ContactID
	}

	return r.spawner.SpawnForIngest(ctx, IngestTrigger{
		Butler:            butler,
		PipelineRequestID: pipelineRequestID,
		IdentityPreamble:  preamble,
		NormalizedText:    ev.NormalizedText,
		ChannelType:       ev.ChannelType,
		ContactID:         contactID,
	})
}

// buildIdentityPreamble constructs the deterministic provenance string
// prepended to the worker's prompt.
func buildIdentityPreamble(kind identity.Kind, contact *identity.Contact, channelType string) string {
	switch kind {
	case identity.Owner:
		return fmt.Sprintf("[Source: Owner, via %s]", channelType)
	case identity.KnownNonOwner:
		return fmt.Sprintf("[Source: %s (contact_id:%s), via %s]", contact.Name, contact.ContactID, channelType)
	default:
		id := ""
		if contact != nil {
			id = contact.ContactID
		}
		return fmt.Sprintf("[Source: Unknown sender (contact_id:%s), via %s -- pending disambiguation]", id, channelType)
	}
}

func (r *Router) selectButler(channelType string, kind identity.Kind) (string, error) {
	for _, rule := range r.routes {
		if rule.ChannelType == channelType && rule.Role == kind.String() {
			return rule.Butler, nil
		}
	}
	return "", fmt.Errorf("%w: channel=%s role=%s", ErrNoRoute, channelType, kind.String())
}
