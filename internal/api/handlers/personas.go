package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/relaydesk/relaydesk/internal/api/middleware"
	"github.com/relaydesk/relaydesk/internal/persona"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/pkg/models"
	"github.com/rs/zerolog/log"
)

// ══════════════════════════════════════════════════════════════
// ── Persona Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListPersonas(w http.ResponseWriter, r *http.Request) {
	personas, err := h.Store.ListPersonas(r.Context(), middleware.GetOwner(r.Context()))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if personas == nil {
		personas = []models.Persona{}
	}
	respondJSON(w, http.StatusOK, personas)
}

func (h *Handlers) CreatePersona(w http.ResponseWriter, r *http.Request) {
	var req models.Persona
	if !decodeBody(w, r, &req) {
		return
	}
	owner := middleware.GetOwner(r.Context())
	req.ID = ""
	req.OwnerID = owner
	// Activation goes through ActivatePersona so the one-active rule holds.
	activate := req.IsActive
	req.IsActive = false

	if err := h.Personas.Create(r.Context(), &req); err != nil {
		respondPersonaError(w, err)
		return
	}
	if activate {
		if err := h.Personas.Activate(r.Context(), owner, req.ID); err != nil {
			respondStoreError(w, err)
			return
		}
		req.IsActive = true
	}
	log.Info().Str("persona", req.Name).Str("id", req.ID).Str("owner", owner).Msg("Persona created")
	respondJSON(w, http.StatusCreated, req)
}

// GetActivePersona returns the persona in effect, which is the built-in
// default when the owner has activated none.
func (h *Handlers) GetActivePersona(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Personas.Active(r.Context(), middleware.GetOwner(r.Context())))
}

func (h *Handlers) GetPersona(w http.ResponseWriter, r *http.Request) {
	p, err := h.ownedPersona(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handlers) UpdatePersona(w http.ResponseWriter, r *http.Request) {
	existing, err := h.ownedPersona(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req models.Persona
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name != "" {
		existing.Name = req.Name
	}
	if req.SystemPrompt != "" {
		existing.SystemPrompt = req.SystemPrompt
	}

	if err := h.Personas.Update(r.Context(), existing); err != nil {
		respondPersonaError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, existing)
}

func (h *Handlers) DeletePersona(w http.ResponseWriter, r *http.Request) {
	p, err := h.ownedPersona(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if err := h.Store.DeletePersona(r.Context(), p.ID); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("persona", p.ID).Str("owner", p.OwnerID).Msg("Persona deleted")
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "persona": p.ID})
}

// ActivatePersona makes the persona the owner's only active one.
func (h *Handlers) ActivatePersona(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	id := chi.URLParam(r, "id")
	if err := h.Personas.Activate(r.Context(), owner, id); err != nil {
		respondStoreError(w, err)
		return
	}
	p, err := h.Store.GetPersona(r.Context(), id)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handlers) ownedPersona(r *http.Request) (*models.Persona, error) {
	id := chi.URLParam(r, "id")
	p, err := h.Store.GetPersona(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != middleware.GetOwner(r.Context()) {
		return nil, &store.ErrNotFound{Entity: "persona", Key: id}
	}
	return p, nil
}

func respondPersonaError(w http.ResponseWriter, err error) {
	if errors.Is(err, persona.ErrInvalidPersona) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondStoreError(w, err)
}
