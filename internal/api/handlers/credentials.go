package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/relaydesk/relaydesk/internal/api/middleware"
	"github.com/relaydesk/relaydesk/internal/keypool"
	"github.com/relaydesk/relaydesk/pkg/models"
)

// ══════════════════════════════════════════════════════════════
// ── Credential Handlers ──────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Secrets never leave the API unmasked.

func (h *Handlers) ListCredentials(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	creds, err := h.Keys.List(r.Context(), owner)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]models.Credential, 0, len(creds))
	for _, c := range creds {
		out = append(out, c.Masked())
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) CreateCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label  string                  `json:"label"`
		Secret string                  `json:"secret"`
		Status models.CredentialStatus `json:"status"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	cred := &models.Credential{
		Label:   req.Label,
		Secret:  req.Secret,
		Status:  req.Status,
		OwnerID: middleware.GetOwner(r.Context()),
	}
	if err := h.Keys.Add(r.Context(), cred); err != nil {
		if errors.Is(err, keypool.ErrInvalidCredential) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, cred.Masked())
}

func (h *Handlers) GetCredential(w http.ResponseWriter, r *http.Request) {
	cred, err := h.Keys.Get(r.Context(), middleware.GetOwner(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cred.Masked())
}

func (h *Handlers) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Keys.Remove(r.Context(), middleware.GetOwner(r.Context()), id); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "credential": id})
}

// RevokeCredential takes a credential out of rotation.
func (h *Handlers) RevokeCredential(w http.ResponseWriter, r *http.Request) {
	h.setCredentialStatus(w, r, models.CredentialRevoked)
}

// ReactivateCredential puts a revoked or exhausted credential back into rotation.
func (h *Handlers) ReactivateCredential(w http.ResponseWriter, r *http.Request) {
	h.setCredentialStatus(w, r, models.CredentialActive)
}

// ReloadCredentials drops the owner's rotation index and rebuilds it from the
// store. Used after credentials were changed outside this process, e.g. by
// another instance sharing the SQLite file.
func (h *Handlers) ReloadCredentials(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	h.Keys.Invalidate(owner)
	active, err := h.Keys.SelectOrderedCandidates(r.Context(), owner)
	if err != nil && !errors.Is(err, keypool.ErrNoCredentialsAvailable) {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"status": "reloaded", "active": len(active)})
}

func (h *Handlers) setCredentialStatus(w http.ResponseWriter, r *http.Request, status models.CredentialStatus) {
	cred, err := h.Keys.SetStatus(r.Context(), middleware.GetOwner(r.Context()), chi.URLParam(r, "id"), status)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cred.Masked())
}
