package identity_test

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/opsbutler/butler/internal/identity"
	"github.com/opsbutler/butler/internal/storage"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "butler-test-*.db")
	if err != nil {
		t.Fatalf("create temp db file: %v", err)
	}
	f.Close()

	db, err := storage.Open(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBootstrapOwner(t *testing.T) {
	ctx := context.Background()
	r := identity.New(newTestDB(t))

	owner, err := r.BootstrapOwner(ctx, "Alice", "matrix", "@alice:example.com")
	if err != nil {
		t.Fatalf("bootstrap owner: %v", err)
	}
	if !owner.IsOwner() {
		t.Fatalf("expected owner role, got %v", owner.Roles)
	}

	if _, err := r.BootstrapOwner(ctx, "Bob", "matrix", "@bob:example.com"); err != identity.ErrAlreadyBootstrapped {
		t.Fatalf("expected ErrAlreadyBootstrapped, got %v", err)
	}

	contact, kind, err := r.Resolve(ctx, "matrix", "@alice:example.com")
	if err != nil {
		t.Fatalf("resolve owner: %v", err)
	}
	if kind != identity.Owner {
		t.Fatalf("expected Owner, got %v", kind)
	}
	if contact.ContactID != owner.ContactID {
		t.Fatalf("resolved wrong contact")
	}
}

func TestResolveUnknown(t *testing.T) {
	ctx := context.Background()
	r := identity.New(newTestDB(t))

	_, kind, err := r.Resolve(ctx, "telegram", "9001")
	if err != nil {
		t.Fatalf("resolve unknown: %v", err)
	}
	if kind != identity.Unresolvable {
		t.Fatalf("expected Unresolvable, got %v", kind)
	}
}

func TestCreateTempContactIdempotentOnRace(t *testing.T) {
	ctx := context.Background()
	r := identity.New(newTestDB(t))

	first, err := r.CreateTempContact(ctx, "Unknown sender", "telegram", "9001")
	if err != nil {
		t.Fatalf("create temp contact: %v", err)
	}

	second, err := r.CreateTempContact(ctx, "Unknown sender", "telegram", "9001")
	if err != nil {
		t.Fatalf("create temp contact race: %v", err)
	}
	if first.ContactID != second.ContactID {
		t.Fatalf("expected same contact on repeat create, got %s vs %s", first.ContactID, second.ContactID)
	}

	_, kind, err := r.Resolve(ctx, "telegram", "9001")
	if err != nil {
		t.Fatalf("resolve temp contact: %v", err)
	}
	if kind != identity.KnownNonOwner {
		t.Fatalf("expected KnownNonOwner for role-less temp contact, got %v", kind)
	}
}

func TestListChannelsExcludesSecuredByDefault(t *testing.T) {
	ctx := context.Background()
	r := identity.New(newTestDB(t))

	owner, err := r.BootstrapOwner(ctx, "Alice", "matrix", "@alice:example.com")
	if err != nil {
		t.Fatalf("bootstrap owner: %v", err)
	}
	if err := r.AddChannel(ctx, &identity.Channel{
		ContactID: owner.ContactID, ChannelType: "bot-token", ChannelValue: "tok_live_abc", SecuredFlag: true,
	}); err != nil {
		t.Fatalf("add secured channel: %v", err)
	}

	channels, err := r.ListChannels(ctx, owner.ContactID, false)
	if err != nil {
		t.Fatalf("list channels: %v", err)
	}
	for _, ch := range channels {
		if ch.SecuredFlag {
			t.Fatalf("secured channel leaked into default read path: %+v", ch)
		}
	}

	withSecured, err := r.ListChannels(ctx, owner.ContactID, true)
	if err != nil {
		t.Fatalf("list channels with secured: %v", err)
	}
	if len(withSecured) != len(channels)+1 {
		t.Fatalf("expected secured channel included when requested")
	}
}
