// Package persona resolves the system prompt used for an owner's conversations.
package persona

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultSystemPrompt is used when an owner has no active persona.
const DefaultSystemPrompt = "You are a friendly, helpful assistant chatting with a customer. " +
	"Reply briefly and naturally, the way a person would in a chat app. " +
	"Answer in the language the customer writes in."

// DefaultPersonaName names the built-in fallback persona.
const DefaultPersonaName = "Default"

// ErrInvalidPersona is returned when a persona fails validation.
var ErrInvalidPersona = errors.New("invalid persona")

// Resolver looks up and switches active personas.
type Resolver struct {
	store store.PersonaStore
}

// NewResolver creates a Resolver over the persona store.
func NewResolver(s store.PersonaStore) *Resolver {
	return &Resolver{store: s}
}

// Default returns the built-in persona for owner.
func Default(ownerID string) models.Persona {
	return models.Persona{
		ID:           "default",
		Name:         DefaultPersonaName,
		SystemPrompt: DefaultSystemPrompt,
		IsActive:     true,
		OwnerID:      ownerID,
	}
}

// Active returns the owner's active persona, or the built-in default when the
// owner has none or the lookup fails.
func (r *Resolver) Active(ctx context.Context, ownerID string) models.Persona {
	p, err := r.store.GetActivePersona(ctx, ownerID)
	if err != nil {
		var nf *store.ErrNotFound
		if !errors.As(err, &nf) {
			log.Warn().Err(err).Str("owner", ownerID).Msg("Persona lookup failed, using default")
		}
		return Default(ownerID)
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		p.SystemPrompt = DefaultSystemPrompt
	}
	return *p
}

// Activate makes id the owner's only active persona.
func (r *Resolver) Activate(ctx context.Context, ownerID, id string) error {
	if err := r.store.ActivatePersona(ctx, ownerID, id); err != nil {
		return err
	}
	log.Info().Str("owner", ownerID).Str("persona", id).Msg("Persona activated")
	return nil
}

// Create validates and stores a new persona.
func (r *Resolver) Create(ctx context.Context, p *models.Persona) error {
	if err := validate(p); err != nil {
		return err
	}
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	return r.store.CreatePersona(ctx, p)
}

// Update validates and replaces the name and prompt of a persona owned by
// p.OwnerID. The active flag is not changed; use Activate.
func (r *Resolver) Update(ctx context.Context, p *models.Persona) error {
	if err := validate(p); err != nil {
		return err
	}
	existing, err := r.store.GetPersona(ctx, p.ID)
	if err != nil {
		return err
	}
	if existing.OwnerID != p.OwnerID {
		return &store.ErrNotFound{Entity: "persona", Key: p.ID}
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdatePersona(ctx, p); err != nil {
		return err
	}
	// Report the stored flag, not the caller's copy.
	p.IsActive = existing.IsActive
	return nil
}

func validate(p *models.Persona) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPersona)
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		return fmt.Errorf("%w: system_prompt is required", ErrInvalidPersona)
	}
	return nil
}
