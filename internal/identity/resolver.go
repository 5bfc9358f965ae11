package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyBootstrapped is returned by BootstrapOwner when a contact already
// carries the owner role.
var ErrAlreadyBootstrapped = errors.New("identity: owner already bootstrapped")

// Resolver maps channel identities to contacts, backed by the shared
// contacts/contact_channels table family. It is the only component
// authorized to write to that family: writes are restricted to the
// identity resolver and owner bootstrap.
type Resolver struct {
	db *sql.DB
}

// New creates a Resolver over the shared database connection.
func New(db *sql.DB) *Resolver {
	return &Resolver{db: db}
}

// BootstrapOwner creates the singleton owner contact and its primary channel.
// It fails if a contact already carries the owner role anywhere in the
// database, preserving the "exactly one owner" invariant.
func (r *Resolver) BootstrapOwner(ctx context.Context, name, channelType, channelValue string) (*Contact, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin bootstrap: %w", err)
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contacts WHERE roles LIKE '%"owner"%'`,
	).Scan(&existing); err != nil {
		return nil, fmt.Errorf("check existing owner: %w", err)
	}
	if existing > 0 {
		return nil, ErrAlreadyBootstrapped
	}

	now := time.Now().UTC()
	contact := &Contact{
		ContactID: uuid.NewString(),
		Name:      name,
		Roles:     []string{string(RoleOwner)},
		Metadata:  map[string]any{},
		CreatedAt: now,
	}
	if err := insertContact(ctx, tx, contact); err != nil {
		return nil, err
	}
	if err := insertChannel(ctx, tx, &Channel{
		ContactID: contact.ContactID, ChannelType: channelType, ChannelValue: channelValue,
		IsPrimary: true, CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("bootstrap owner channel: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit bootstrap: %w", err)
	}
	return contact, nil
}

// Resolve looks up the contact owning (channelType, channelValue) and
// classifies the result as Owner, KnownNonOwner, or Unresolvable. Read-path
// failures are fail-open: callers should treat a returned error as
// "proceed as Unresolvable with a warning", not as a hard failure.
func (r *Resolver) Resolve(ctx context.Context, channelType, channelValue string) (*Contact, Kind, error) {
	var contactID string
	err := r.db.QueryRowContext(ctx,
		`SELECT contact_id FROM contact_channels WHERE channel_type = ? AND channel_value = ?`,
		channelType, channelValue,
	).Scan(&contactID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, Unresolvable, nil
	}
	if err != nil {
		return nil, Unresolvable, fmt.Errorf("resolve channel: %w", err)
	}

	contact, err := r.GetContact(ctx, contactID)
	if err != nil {
		return nil, Unresolvable, err
	}
	if contact.IsOwner() {
		return contact, Owner, nil
	}
	return contact, KnownNonOwner, nil
}

// ResolveByContactID looks up a contact directly by ID, classifying Owner vs
// KnownNonOwner. Used by the approval gate when tool args carry an explicit
// contact_id.
func (r *Resolver) ResolveByContactID(ctx context.Context, contactID string) (*Contact, Kind, error) {
	contact, err := r.GetContact(ctx, contactID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, Unresolvable, nil
	}
	if err != nil {
		return nil, Unresolvable, err
	}
	if contact.IsOwner() {
		return contact, Owner, nil
	}
	return contact, KnownNonOwner, nil
}

// CreateTempContact atomically creates a role-less contact plus its single
// channel for a previously unknown sender. The insert is unique-on-conflict
// on (channel_type, channel_value): a concurrent Switchboard run racing on
// the same identity will see one winner and the other returns the winner's
// contact instead of erroring.
func (r *Resolver) CreateTempContact(ctx context.Context, displayName, channelType, channelValue string) (*Contact, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin temp contact: %w", err)
	}
	defer tx.Rollback()

	// Re-check inside the transaction in case of a concurrent racer.
	var existingID string
	err = tx.QueryRowContext(ctx,
		`SELECT contact_id FROM contact_channels WHERE channel_type = ? AND channel_value = ?`,
		channelType, channelValue,
	).Scan(&existingID)
	if err == nil {
		tx.Rollback()
		return r.GetContact(ctx, existingID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("check temp contact race: %w", err)
	}

	now := time.Now().UTC()
	contact := &Contact{
		ContactID: uuid.NewString(),
		Name:      displayName,
		Roles:     []string{},
		Metadata:  map[string]any{},
		CreatedAt: now,
	}
	if err := insertContact(ctx, tx, contact); err != nil {
		return nil, err
	}
	if err := insertChannel(ctx, tx, &Channel{
		ContactID: contact.ContactID, ChannelType: channelType, ChannelValue: channelValue,
		IsPrimary: true, CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("insert temp channel: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit temp contact: %w", err)
	}
	return contact, nil
}

// GetContact fetches a contact by ID. Returns sql.ErrNoRows if absent.
func (r *Resolver) GetContact(ctx context.Context, contactID string) (*Contact, error) {
	var c Contact
	var rolesJSON, metaJSON string
	var entityID sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT contact_id, name, roles, entity_id, metadata, created_at FROM contacts WHERE contact_id = ?`,
		contactID,
	).Scan(&c.ContactID, &c.Name, &rolesJSON, &entityID, &metaJSON, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rolesJSON), &c.Roles); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &c.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if entityID.Valid {
		c.EntityID = &entityID.String
	}
	return &c, nil
}

// FindOwner fetches the singleton owner contact. Returns sql.ErrNoRows if
// the butler hasn't been bootstrapped yet — callers on the credential
// resolution path (spawner.resolveCredential) should treat that as "no
// credential available" rather than a startup failure.
func (r *Resolver) FindOwner(ctx context.Context) (*Contact, error) {
	var contactID string
	err := r.db.QueryRowContext(ctx,
		`SELECT contact_id FROM contacts WHERE roles LIKE '%"owner"%' LIMIT 1`,
	).Scan(&contactID)
	if err != nil {
		return nil, err
	}
	return r.GetContact(ctx, contactID)
}

// AddChannel attaches a new channel to an existing contact. (channel_type,
// channel_value) must be globally unique.
func (r *Resolver) AddChannel(ctx context.Context, ch *Channel) error {
	ch.CreatedAt = time.Now().UTC()
	return insertChannel(ctx, r.db, ch)
}

// ListChannels returns all channels for a contact. When includeSecured is
// false, channels with secured_flag=true (credential material) are excluded
// — the default for any read path.
func (r *Resolver) ListChannels(ctx context.Context, contactID string, includeSecured bool) ([]Channel, error) {
	query := `SELECT contact_id, channel_type, channel_value, is_primary, secured_flag, created_at
		FROM contact_channels WHERE contact_id = ?`
	if !includeSecured {
		query += ` AND secured_flag = 0`
	}
	rows, err := r.db.QueryContext(ctx, query, contactID)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		var ch Channel
		if err := rows.Scan(&ch.ContactID, &ch.ChannelType, &ch.ChannelValue, &ch.IsPrimary, &ch.SecuredFlag, &ch.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// execer is satisfied by both the shared *sql.DB and an open transaction,
// so the insert helpers below can run a statement against either.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertContact(ctx context.Context, x execer, c *Contact) error {
	rolesJSON, err := json.Marshal(c.Roles)
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}
	metaJSON, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = x.ExecContext(ctx,
		`INSERT INTO contacts (contact_id, name, roles, entity_id, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ContactID, c.Name, string(rolesJSON), c.EntityID, string(metaJSON), c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}
	return nil
}

func insertChannel(ctx context.Context, x execer, ch *Channel) error {
	_, err := x.ExecContext(ctx,
		`INSERT INTO contact_channels (contact_id, channel_type, channel_value, is_primary, secured_flag, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ch.ContactID, ch.ChannelType, ch.ChannelValue, ch.IsPrimary, ch.SecuredFlag, ch.CreatedAt,
	)
	return err
}
