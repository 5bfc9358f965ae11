// Package matrix is the Switchboard's Matrix messaging connector:
// it syncs a Matrix account, turns incoming room messages into
// switchboard.InboundEvent values, and feeds them to a Router. Adapted from
// an earlier internal/ruriko/matrix client — the sync/reconnect/store
// plumbing is kept nearly as-is, but the message handler now routes into
// the Switchboard's ingest pipeline instead of that client's admin-room
// command parser.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/opsbutler/butler/common/retry"
	"github.com/opsbutler/butler/internal/approvals"
	"github.com/opsbutler/butler/internal/switchboard"
)

// Config holds the connector's Matrix credentials and room scope.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	Rooms       []string // rooms the connector ingests from; empty means all joined rooms
	// DB is an optional SQLite connection used to persist the sync token
	// (next_batch) across restarts. When nil, history replays on restart.
	DB *sql.DB
	// Gate, when set, lets a room message resolve a pending approval
	// directly (approve/reject <action-id> ...) instead of always being
	// forwarded to the Router as a worker trigger.
	Gate *approvals.Gate
}

// Connector wraps a mautrix client and feeds a switchboard.Router.
type Connector struct {
	client *mautrix.Client
	config *Config
	router *switchboard.Router
	gate   *approvals.Gate
	stopCh chan struct{}
	log    *slog.Logger
}

// New creates a Connector. Call Start to begin syncing.
func New(cfg *Config, router *switchboard.Router, log *slog.Logger) (*Connector, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}

	c := &Connector{client: client, config: cfg, router: router, gate: cfg.Gate, stopCh: make(chan struct{}), log: log}

	if cfg.DB != nil {
		client.Store = newDBSyncStore(cfg.DB)
		log.Info("matrix connector: using persistent sync store")
	} else {
		log.Warn("matrix connector: no DB configured, history will replay on restart")
	}

	return c, nil
}

// Start begins syncing with the homeserver and routing inbound messages.
func (c *Connector) Start(ctx context.Context) error {
	// Plaintext only: E2EE support is not implemented, so secrets sent over
	// Matrix rooms are visible in room history.
	c.log.Warn("matrix connector: E2EE is not enabled; messages are transmitted in plaintext")

	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.handleMessage)

	for _, roomID := range c.config.Rooms {
		if err := c.joinRoom(id.RoomID(roomID)); err != nil {
			return fmt.Errorf("join room %s: %w", roomID, err)
		}
	}

	go c.syncLoop()
	return nil
}

// syncLoop runs mautrix's blocking Sync with exponential backoff reconnect;
// without it a transient homeserver error silently kills ingestion.
func (c *Connector) syncLoop() {
	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		if err := c.client.Sync(); err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.log.Error("matrix connector: sync stopped, reconnecting", "error", err, "backoff", backoff)
			select {
			case <-c.stopCh:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
			continue
		}
		return
	}
}

// Stop halts syncing.
func (c *Connector) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

func (c *Connector) joinRoom(roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(context.Background(), roomID)
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			c.log.Warn("matrix connector: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}

// handleMessage turns one Matrix message event into an ingest call, unless
// it parses as an approve/reject decision, in which case it resolves the
// pending action directly instead of spawning a worker. Sender and endpoint
// identity are the raw Matrix user ID — it is the identity resolver, not
// this connector, that decides whether that user is the owner, a known
// contact, or unresolvable.
func (c *Connector) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}
	msgContent := evt.Content.AsMessage()
	if msgContent == nil || msgContent.MsgType != event.MsgText {
		return
	}
	if len(c.config.Rooms) > 0 && !c.inScopedRoom(evt.RoomID.String()) {
		return
	}

	if c.gate != nil {
		if decision, err := approvals.ParseChatDecision(msgContent.Body); err == nil {
			c.handleChatDecision(ctx, evt, decision)
			return
		}
	}

	err := c.router.Ingest(ctx, switchboard.InboundEvent{
		ChannelType:      "matrix",
		EndpointIdentity: evt.Sender.String(),
		ExternalEventID:  evt.ID.String(),
		RawPayload:       []byte(msgContent.Body),
		NormalizedText:   msgContent.Body,
	})
	if err != nil {
		c.log.Error("matrix connector: ingest failed", "room", evt.RoomID, "sender", evt.Sender, "error", err)
	}
}

// handleChatDecision resolves a pending action against decision and reports
// the outcome back into the room it was sent from, rather than silently
// swallowing a malformed or already-resolved action ID.
func (c *Connector) handleChatDecision(ctx context.Context, evt *event.Event, decision *approvals.ChatDecision) {
	var err error
	if decision.Approve {
		_, err = c.gate.Approve(ctx, decision.ActionID, evt.Sender.String(), decision.Reason)
	} else {
		_, err = c.gate.Reject(ctx, decision.ActionID, evt.Sender.String(), decision.Reason)
	}
	if err != nil {
		c.log.Error("matrix connector: chat decision failed", "room", evt.RoomID, "sender", evt.Sender, "action_id", decision.ActionID, "error", err)
		c.replyErr(evt.RoomID.String(), fmt.Sprintf("could not resolve %s: %v", decision.ActionID, err))
		return
	}
	c.replyErr(evt.RoomID.String(), fmt.Sprintf("%s: %s", decision.ActionID, map[bool]string{true: "approved", false: "rejected"}[decision.Approve]))
}

// replyErr sends message into roomID and logs, rather than propagating, any
// send failure — the decision itself already succeeded or failed, and a
// confirmation reply is best-effort.
func (c *Connector) replyErr(roomID, message string) {
	if err := c.Reply(roomID, message); err != nil {
		c.log.Error("matrix connector: reply failed", "room", roomID, "error", err)
	}
}

func (c *Connector) inScopedRoom(roomID string) bool {
	for _, r := range c.config.Rooms {
		if r == roomID {
			return true
		}
	}
	return false
}

// Reply sends a plain-text message into roomID — used for chat-decision
// confirmations and, through the daemon's notifier sender, for owner
// notifications. It retries transient homeserver/network
// failures with backoff rather than failing the whole worker turn on one
// dropped connection.
func (c *Connector) Reply(roomID, message string) error {
	err := retry.Do(context.Background(), retry.DefaultConfig, func() error {
		_, err := c.client.SendText(context.Background(), id.RoomID(roomID), message)
		return err
	})
	if err != nil {
		return fmt.Errorf("matrix connector: send reply: %w", err)
	}
	return nil
}
