package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/relaydesk/relaydesk/internal/api/middleware"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/pkg/models"
	"github.com/rs/zerolog/log"
)

// ══════════════════════════════════════════════════════════════
// ── Integration Handlers ─────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// integrationView is an integration as returned to clients: masked secrets
// plus the webhook path the platform must be pointed at.
type integrationView struct {
	models.PlatformIntegration
	WebhookPath string `json:"webhook_path"`
}

func viewOf(integ models.PlatformIntegration) integrationView {
	return integrationView{
		PlatformIntegration: integ.Masked(),
		WebhookPath:         "/webhooks/" + string(integ.Platform) + "/" + integ.ID,
	}
}

func (h *Handlers) ListIntegrations(w http.ResponseWriter, r *http.Request) {
	list, err := h.Store.ListIntegrations(r.Context(), middleware.GetOwner(r.Context()))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]integrationView, 0, len(list))
	for _, integ := range list {
		out = append(out, viewOf(integ))
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) CreateIntegration(w http.ResponseWriter, r *http.Request) {
	var req models.PlatformIntegration
	if !decodeBody(w, r, &req) {
		return
	}
	p, ok := models.ParsePlatform(string(req.Platform))
	if !ok {
		respondError(w, http.StatusBadRequest, "platform must be one of telegram, whatsapp, messenger")
		return
	}
	if req.Credentials.Token == "" {
		respondError(w, http.StatusBadRequest, "credentials.token is required")
		return
	}
	if msg := checkTypingDelay(req.TypingDelayMin, req.TypingDelayMax); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	now := time.Now().UTC()
	req.ID = uuid.New().String()
	req.Platform = p
	req.OwnerID = middleware.GetOwner(r.Context())
	if req.Status == "" {
		req.Status = models.IntegrationActive
	}
	req.CreatedAt = now
	req.UpdatedAt = now

	if err := h.Store.CreateIntegration(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Str("integration", req.ID).Str("platform", string(p)).Str("owner", req.OwnerID).Msg("Integration created")
	respondJSON(w, http.StatusCreated, viewOf(req))
}

func (h *Handlers) GetIntegration(w http.ResponseWriter, r *http.Request) {
	integ, err := h.ownedIntegration(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(*integ))
}

// UpdateIntegration applies the non-empty fields of the body. Credentials
// are replaced field by field so a client echoing masked values back does
// not need to resend every secret.
func (h *Handlers) UpdateIntegration(w http.ResponseWriter, r *http.Request) {
	integ, err := h.ownedIntegration(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req models.PlatformIntegration
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name != "" {
		integ.Name = req.Name
	}
	if req.Status != "" {
		integ.Status = req.Status
	}
	if req.UserAgent != "" {
		integ.UserAgent = req.UserAgent
	}
	if req.TypingDelayMin != 0 || req.TypingDelayMax != 0 {
		if msg := checkTypingDelay(req.TypingDelayMin, req.TypingDelayMax); msg != "" {
			respondError(w, http.StatusBadRequest, msg)
			return
		}
		integ.TypingDelayMin = req.TypingDelayMin
		integ.TypingDelayMax = req.TypingDelayMax
	}
	mergeCredentials(&integ.Credentials, req.Credentials)
	integ.UpdatedAt = time.Now().UTC()

	if err := h.Store.UpdateIntegration(r.Context(), integ); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewOf(*integ))
}

func (h *Handlers) DeleteIntegration(w http.ResponseWriter, r *http.Request) {
	integ, err := h.ownedIntegration(r)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if err := h.Store.DeleteIntegration(r.Context(), integ.ID); err != nil {
		respondStoreError(w, err)
		return
	}
	log.Info().Str("integration", integ.ID).Str("owner", integ.OwnerID).Msg("Integration deleted")
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "integration": integ.ID})
}

func (h *Handlers) ownedIntegration(r *http.Request) (*models.PlatformIntegration, error) {
	id := chi.URLParam(r, "id")
	integ, err := h.Store.GetIntegration(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if integ.OwnerID != middleware.GetOwner(r.Context()) {
		return nil, &store.ErrNotFound{Entity: "integration", Key: id}
	}
	return integ, nil
}

func checkTypingDelay(lo, hi int) string {
	if lo < 0 || hi < 0 {
		return "typing delays must not be negative"
	}
	if hi > 0 && lo > hi {
		return "typing_delay_min must not exceed typing_delay_max"
	}
	return ""
}

func mergeCredentials(dst *models.IntegrationCredentials, src models.IntegrationCredentials) {
	if src.Token != "" {
		dst.Token = src.Token
	}
	if src.Secret != "" {
		dst.Secret = src.Secret
	}
	if src.VerifyToken != "" {
		dst.VerifyToken = src.VerifyToken
	}
	if src.PhoneNumberID != "" {
		dst.PhoneNumberID = src.PhoneNumberID
	}
	if src.PageID != "" {
		dst.PageID = src.PageID
	}
}
