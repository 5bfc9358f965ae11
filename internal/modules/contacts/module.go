// Package contacts is a thin domain module wrapping the shared identity
// resolver (internal/identity) as a worker-facing tool surface: looking up a
// contact and listing their non-secured channels. It deliberately owns no
// storage of its own — contacts + contact_channels are the one cross-module
// table family, writable only by the identity resolver and owner bootstrap
// — this module only reads through it.
package contacts

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/opsbutler/butler/internal/identity"
	"github.com/opsbutler/butler/internal/module"
)

// Module is the Contacts domain module.
type Module struct {
	resolver *identity.Resolver
}

// New creates the contacts module around the shared identity resolver.
func New(resolver *identity.Resolver) *Module {
	return &Module{resolver: resolver}
}

func (m *Module) Name() string                              { return "contacts" }
func (m *Module) Dependencies() []string                    { return nil }
func (m *Module) CredentialsEnv() []string                  { return nil }
func (m *Module) Migrations() map[string]string             { return nil }
func (m *Module) OnStartup(context.Context, *sql.DB) error  { return nil }
func (m *Module) OnShutdown(context.Context) error           { return nil }

func (m *Module) Tools() []module.ToolDescriptor {
	return []module.ToolDescriptor{
		{
			Name:            "user_get_contact",
			Description:     "Look up a contact by contact_id.",
			ApprovalDefault: "never",
			Handler:         m.getContact,
		},
		{
			Name:            "user_list_contact_channels",
			Description:     "List a contact's known non-secured channels.",
			ApprovalDefault: "never",
			Handler:         m.listChannels,
		},
	}
}

func (m *Module) getContact(ctx context.Context, args map[string]any) (any, error) {
	contactID, _ := args["contact_id"].(string)
	if contactID == "" {
		return nil, fmt.Errorf("get_contact: contact_id is required")
	}
	contact, err := m.resolver.GetContact(ctx, contactID)
	if err != nil {
		return nil, fmt.Errorf("get_contact: %w", err)
	}
	return contact, nil
}

func (m *Module) listChannels(ctx context.Context, args map[string]any) (any, error) {
	contactID, _ := args["contact_id"].(string)
	if contactID == "" {
		return nil, fmt.Errorf("list_contact_channels: contact_id is required")
	}
	channels, err := m.resolver.ListChannels(ctx, contactID, false)
	if err != nil {
		return nil, fmt.Errorf("list_contact_channels: %w", err)
	}
	return channels, nil
}
