// Package switchboard is the ingress router: it turns a connector's
// raw external event into at most one worker spawn, deduplicating retried
// deliveries and resolving the sender's identity before handing off to the
// spawner.
package switchboard

import "context"

// InboundEvent is what a connector hands the Router after it has decoded
// its own wire format. ExternalEventID should be whatever stable identifier
// the source system assigns the delivery (a message ID, a webhook delivery
// ID) — it, together with ChannelType and EndpointIdentity, is what the
// idempotency key is derived from.
type InboundEvent struct {
	ChannelType      string // e.g. "matrix", "email", "webhook:github"
	EndpointIdentity string // the sender's address on that channel (room+user, email address, ...)
	ExternalEventID  string
	RawPayload       []byte
	NormalizedText   string // human-readable text extracted from RawPayload, used as the worker prompt body
}

// Spawner is the narrow interface the Router needs from the worker spawn
// lifecycle package. Declared here rather than imported to avoid a
// switchboard <-> spawner import cycle, the same pattern used between
// scheduler and spawner.
type Spawner interface {
	SpawnForIngest(ctx context.Context, trigger IngestTrigger) error
}

// IngestTrigger is handed to the spawner once the Router has resolved
// identity and picked a target butler.
type IngestTrigger struct {
	Butler           string
	PipelineRequestID string
	IdentityPreamble string
	NormalizedText   string
	ChannelType      string
	ContactID        string
}

// RoutingRule maps an inbound channel/role pair to the butler that owns it.
// Role is the identity.Kind the sender resolved to ("owner", "known",
// "unresolvable") — a channel can route owner traffic to one butler and
// non-owner traffic to another (e.g. a shared support inbox).
type RoutingRule struct {
	ChannelType string
	Role        string
	Butler      string
}
