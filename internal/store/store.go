// Package store provides the storage interface and implementations for RelayDesk.
// MemoryStore keeps maps with a JSON snapshot; SQLiteStore persists to a local database file.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/relaydesk/relaydesk/pkg/models"
)

// Store is the primary storage interface.
// Handlers and the core depend on this interface so tests can run against
// the in-memory implementation.
type Store interface {
	CredentialStore
	PersonaStore
	ConversationStore
	AuditStore
	IntegrationStore
	ContactStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates or upgrades the schema.
	Migrate(ctx context.Context) error
}

// ── Credential Store ────────────────────────────────────────

type CredentialStore interface {
	ListCredentials(ctx context.Context, ownerID string) ([]models.Credential, error)
	GetCredential(ctx context.Context, id string) (*models.Credential, error)
	CreateCredential(ctx context.Context, cred *models.Credential) error
	UpdateCredential(ctx context.Context, cred *models.Credential) error
	DeleteCredential(ctx context.Context, id string) error
}

// ── Persona Store ───────────────────────────────────────────

type PersonaStore interface {
	ListPersonas(ctx context.Context, ownerID string) ([]models.Persona, error)
	GetPersona(ctx context.Context, id string) (*models.Persona, error)
	GetActivePersona(ctx context.Context, ownerID string) (*models.Persona, error)
	CreatePersona(ctx context.Context, p *models.Persona) error
	// UpdatePersona replaces name and prompt; IsActive is ignored.
	UpdatePersona(ctx context.Context, p *models.Persona) error
	DeletePersona(ctx context.Context, id string) error

	// ActivatePersona deactivates every persona of the owner and activates id,
	// as one atomic step.
	ActivatePersona(ctx context.Context, ownerID, id string) error
}

// ── Conversation Store ──────────────────────────────────────

type ConversationStore interface {
	GetConversation(ctx context.Context, ownerID, chatKey string) (*models.ConversationMemory, error)
	UpsertConversation(ctx context.Context, mem *models.ConversationMemory) error
	ListConversations(ctx context.Context, ownerID string) ([]models.ConversationMemory, error)
	DeleteConversation(ctx context.Context, ownerID, chatKey string) error
}

// ── Audit Store ─────────────────────────────────────────────

type AuditStore interface {
	// CreateAuditEntry appends an entry. Entries are never updated.
	CreateAuditEntry(ctx context.Context, entry *models.AuditLogEntry) error

	// ListAuditEntries returns entries newest first.
	ListAuditEntries(ctx context.Context, filter models.AuditFilter) ([]models.AuditLogEntry, error)

	GetAuditEntry(ctx context.Context, id string) (*models.AuditLogEntry, error)

	// PurgeAuditEntries removes entries created before the cutoff and
	// returns how many were removed.
	PurgeAuditEntries(ctx context.Context, before time.Time) (int, error)
}

// ── Integration Store ───────────────────────────────────────

type IntegrationStore interface {
	ListIntegrations(ctx context.Context, ownerID string) ([]models.PlatformIntegration, error)
	GetIntegration(ctx context.Context, id string) (*models.PlatformIntegration, error)
	CreateIntegration(ctx context.Context, integ *models.PlatformIntegration) error
	UpdateIntegration(ctx context.Context, integ *models.PlatformIntegration) error
	DeleteIntegration(ctx context.Context, id string) error
}

// ── Contact Store ───────────────────────────────────────────

type ContactStore interface {
	// UpsertContact records a sighting of a sender, creating the contact on
	// first sight and bumping LastSeenAt and MessageCount afterwards.
	UpsertContact(ctx context.Context, c *models.Contact) error
	ListContacts(ctx context.Context, ownerID string, platform models.Platform) ([]models.Contact, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// key joins composite map keys with NUL, which cannot occur in owner ids,
// chat keys or sender ids the way ':' can.
func key(parts ...string) string {
	return strings.Join(parts, "\x00")
}
