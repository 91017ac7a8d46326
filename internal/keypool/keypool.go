// Package keypool holds each owner's provider credentials and hands them out
// in least-recently-used order.
//
// The manager keeps an explicit per-owner min-heap of active credentials,
// ordered by LastUsedAt with never-used keys first. The store stays the source
// of truth; the heap is an index rebuilt lazily on first use and kept in step
// by every mutation made through the manager.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/pkg/models"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoCredentialsAvailable is returned when an owner has no active credential.
	ErrNoCredentialsAvailable = errors.New("no credentials available")

	// ErrInvalidCredential is returned when a credential fails validation.
	ErrInvalidCredential = errors.New("invalid credential")
)

// Manager is the single writer of Credential records.
type Manager struct {
	store store.CredentialStore

	mu    sync.Mutex
	pools map[string]*pool // key: owner id
}

// NewManager creates a Manager over the credential store.
func NewManager(s store.CredentialStore) *Manager {
	return &Manager{store: s, pools: make(map[string]*pool)}
}

// SelectOrderedCandidates returns every active credential of the owner,
// least recently used first. Never-used credentials come before used ones;
// ties are broken by CreatedAt and then ID.
func (m *Manager) SelectOrderedCandidates(ctx context.Context, ownerID string) ([]models.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.poolLocked(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if p.Len() == 0 {
		return nil, ErrNoCredentialsAvailable
	}
	return p.ordered(), nil
}

// MarkUsed records a successful use of the credential at ts.
func (m *Manager) MarkUsed(ctx context.Context, credentialID string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred, err := m.store.GetCredential(ctx, credentialID)
	if err != nil {
		return err
	}
	ts = ts.UTC()
	cred.LastUsedAt = &ts
	if err := m.store.UpdateCredential(ctx, cred); err != nil {
		return fmt.Errorf("mark credential %s used: %w", credentialID, err)
	}
	if p, ok := m.pools[cred.OwnerID]; ok {
		p.update(*cred)
	}
	return nil
}

// Add validates and stores a new active credential.
func (m *Manager) Add(ctx context.Context, cred *models.Credential) error {
	cred.Secret = strings.TrimSpace(cred.Secret)
	if cred.Secret == "" {
		return fmt.Errorf("%w: secret is required", ErrInvalidCredential)
	}
	if cred.OwnerID == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidCredential)
	}
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	if cred.Status == "" {
		cred.Status = models.CredentialActive
	}
	if !cred.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidCredential, cred.Status)
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.CreateCredential(ctx, cred); err != nil {
		return err
	}
	if p, ok := m.pools[cred.OwnerID]; ok {
		p.update(*cred)
	}
	log.Info().Str("owner", cred.OwnerID).Str("credential", cred.ID).Msg("Credential added")
	return nil
}

// List returns all credentials of the owner regardless of status.
func (m *Manager) List(ctx context.Context, ownerID string) ([]models.Credential, error) {
	return m.store.ListCredentials(ctx, ownerID)
}

// Get returns a credential that belongs to ownerID.
func (m *Manager) Get(ctx context.Context, ownerID, id string) (*models.Credential, error) {
	cred, err := m.store.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	if cred.OwnerID != ownerID {
		return nil, &store.ErrNotFound{Entity: "credential", Key: id}
	}
	return cred, nil
}

// SetStatus changes a credential's status. This is the only way a credential
// leaves or rejoins rotation; failures never change status.
func (m *Manager) SetStatus(ctx context.Context, ownerID, id string, status models.CredentialStatus) (*models.Credential, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidCredential, status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cred, err := m.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	cred.Status = status
	if err := m.store.UpdateCredential(ctx, cred); err != nil {
		return nil, err
	}
	if p, ok := m.pools[ownerID]; ok {
		p.update(*cred)
	}
	log.Info().Str("owner", ownerID).Str("credential", id).Str("status", string(status)).Msg("Credential status changed")
	return cred, nil
}

// Remove deletes a credential owned by ownerID.
func (m *Manager) Remove(ctx context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.Get(ctx, ownerID, id); err != nil {
		return err
	}
	if err := m.store.DeleteCredential(ctx, id); err != nil {
		return err
	}
	if p, ok := m.pools[ownerID]; ok {
		p.remove(id)
	}
	log.Info().Str("owner", ownerID).Str("credential", id).Msg("Credential removed")
	return nil
}

// Invalidate drops the cached index for an owner so the next selection
// reloads it from the store.
func (m *Manager) Invalidate(ownerID string) {
	m.mu.Lock()
	delete(m.pools, ownerID)
	m.mu.Unlock()
}

// poolLocked returns the owner's index, loading it on first use.
// Caller must hold m.mu.
func (m *Manager) poolLocked(ctx context.Context, ownerID string) (*pool, error) {
	if p, ok := m.pools[ownerID]; ok {
		return p, nil
	}
	creds, err := m.store.ListCredentials(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load credentials for %s: %w", ownerID, err)
	}
	p := newPool()
	for _, c := range creds {
		p.update(c)
	}
	m.pools[ownerID] = p
	return p, nil
}
