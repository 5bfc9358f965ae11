package switchboard_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/opsbutler/butler/internal/identity"
	"github.com/opsbutler/butler/internal/storage"
	"github.com/opsbutler/butler/internal/switchboard"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "butler-switchboard-*.db")
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

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSpawner struct {
	triggers []switchboard.IngestTrigger
}

func (f *fakeSpawner) SpawnForIngest(ctx context.Context, trigger switchboard.IngestTrigger) error {
	f.triggers = append(f.triggers, trigger)
	return nil
}

type fakeNotifier struct {
	calls int
}

func (f *fakeNotifier) NotifyOwnerUnknownSender(ctx context.Context, contact *identity.Contact, channelType, channelValue string) error {
	f.calls++
	return nil
}

func newRouter(t *testing.T) (*switchboard.Router, *identity.Resolver, *fakeSpawner, *fakeNotifier) {
	t.Helper()
	db := newTestDB(t)
	resolver := identity.New(db)
	store := switchboard.NewStore(db)
	spawner := &fakeSpawner{}
	notifier := &fakeNotifier{}
	router := switchboard.NewRouter(store, resolver, spawner, notifier, switchboard.Config{
		Routes: []switchboard.RoutingRule{
			{ChannelType: "matrix", Role: "owner", Butler: "alice"},
			{ChannelType: "matrix", Role: "unresolvable", Butler: "alice"},
			{ChannelType: "matrix", Role: "known", Butler: "alice"},
		},
	}, quietLogger())
	return router, resolver, spawner, notifier
}

func TestIngest_OwnerGetsOwnerPreamble(t *testing.T) {
	ctx := context.Background()
	router, resolver, spawner, _ := newRouter(t)

	if _, err := resolver.BootstrapOwner(ctx, "Alice", "matrix", "@alice:example.org"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	err := router.Ingest(ctx, switchboard.InboundEvent{
		ChannelType:      "matrix",
		EndpointIdentity: "@alice:example.org",
		ExternalEventID:  "evt1",
		NormalizedText:   "hello",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(spawner.triggers) != 1 {
		t.Fatalf("expected one spawn, got %d", len(spawner.triggers))
	}
	if spawner.triggers[0].IdentityPreamble != "[Source: Owner, via matrix]" {
		t.Fatalf("unexpected preamble: %q", spawner.triggers[0].IdentityPreamble)
	}
	if spawner.triggers[0].Butler != "alice" {
		t.Fatalf("expected routed to alice, got %q", spawner.triggers[0].Butler)
	}
}

func TestIngest_DuplicateDeliveryDropsSilently(t *testing.T) {
	ctx := context.Background()
	router, resolver, spawner, _ := newRouter(t)
	if _, err := resolver.BootstrapOwner(ctx, "Alice", "matrix", "@alice:example.org"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	ev := switchboard.InboundEvent{ChannelType: "matrix", EndpointIdentity: "@alice:example.org", ExternalEventID: "evt1"}
	if err := router.Ingest(ctx, ev); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if err := router.Ingest(ctx, ev); err != nil {
		t.Fatalf("duplicate ingest should not error: %v", err)
	}
	if len(spawner.triggers) != 1 {
		t.Fatalf("expected exactly one spawn across both deliveries, got %d", len(spawner.triggers))
	}
}

func TestIngest_UnknownSenderNotifiedOnceAcrossRetries(t *testing.T) {
	ctx := context.Background()
	router, _, spawner, notifier := newRouter(t)

	if err := router.Ingest(ctx, switchboard.InboundEvent{
		ChannelType: "matrix", EndpointIdentity: "@stranger:example.org", ExternalEventID: "evt1",
	}); err != nil {
		t.Fatalf("ingest 1: %v", err)
	}
	if err := router.Ingest(ctx, switchboard.InboundEvent{
		ChannelType: "matrix", EndpointIdentity: "@stranger:example.org", ExternalEventID: "evt2",
	}); err != nil {
		t.Fatalf("ingest 2: %v", err)
	}

	if notifier.calls != 1 {
		t.Fatalf("expected exactly one owner notification for the same unknown sender, got %d", notifier.calls)
	}
	if len(spawner.triggers) != 2 {
		t.Fatalf("expected both distinct events to spawn, got %d", len(spawner.triggers))
	}
	for _, tr := range spawner.triggers {
		if tr.IdentityPreamble == "" || tr.ContactID == "" {
			t.Fatalf("expected unresolvable sender to still get a temp contact and preamble: %+v", tr)
		}
	}
}

func TestIngest_NoRouteErrors(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	resolver := identity.New(db)
	store := switchboard.NewStore(db)
	spawner := &fakeSpawner{}
	router := switchboard.NewRouter(store, resolver, spawner, nil, switchboard.Config{}, quietLogger())

	err := router.Ingest(ctx, switchboard.InboundEvent{ChannelType: "email", EndpointIdentity: "x@y.com", ExternalEventID: "e1"})
	if err == nil {
		t.Fatalf("expected ErrNoRoute when no routing rule matches")
	}
}
