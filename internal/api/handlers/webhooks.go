package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/relaydesk/relaydesk/internal/platform"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/internal/telemetry"
	"github.com/relaydesk/relaydesk/pkg/models"
	"github.com/rs/zerolog/log"
)

// maxWebhookBody bounds an inbound webhook payload.
const maxWebhookBody = 5 << 20

// ══════════════════════════════════════════════════════════════
// ── Webhook Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Webhook returns the inbound handler for platform p. Once the body has been
// read and any configured secret verified, the platform always gets a 200:
// malformed payloads and payloads that carry no user message are
// acknowledged and dropped so the platform does not retry them.
func (h *Handlers) Webhook(p models.Platform) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		integ, err := h.webhookIntegration(r, p)
		if err != nil {
			respondStoreError(w, err)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			respondError(w, http.StatusBadRequest, "unreadable body")
			return
		}

		if !verifyWebhook(integ, r, body) {
			telemetry.WebhookMessages.WithLabelValues(string(p), "rejected").Inc()
			log.Warn().Str("integration", integ.ID).Str("platform", string(p)).Msg("Webhook signature mismatch")
			respondError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		adapter, err := h.Platforms.Get(p)
		if err != nil {
			log.Error().Err(err).Str("integration", integ.ID).Msg("No adapter for webhook platform")
			respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}
		if !adapter.ValidateWebhook(body, signatureHeader(r, p)) {
			telemetry.WebhookMessages.WithLabelValues(string(p), "invalid").Inc()
			log.Warn().
				Str("integration", integ.ID).
				Str("platform", string(p)).
				Int("bytes", len(body)).
				Msg("Malformed webhook payload dropped")
			respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}

		if _, err := h.Relay.HandleIncomingMessage(r.Context(), integ, body); err != nil {
			log.Error().Err(err).Str("integration", integ.ID).Str("platform", string(p)).Msg("Webhook dispatch failed")
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// VerifyWebhook answers the Meta subscription handshake (WhatsApp, Messenger)
// by echoing hub.challenge verbatim.
func (h *Handlers) VerifyWebhook(p models.Platform) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		integ, err := h.webhookIntegration(r, p)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		challenge, ok := platform.VerifyHandshake(r.URL.Query(), integ.Credentials.VerifyToken)
		if !ok {
			log.Warn().Str("integration", integ.ID).Msg("Webhook verification refused")
			respondError(w, http.StatusForbidden, "verification failed")
			return
		}
		log.Info().Str("integration", integ.ID).Str("platform", string(p)).Msg("Webhook verified")
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, challenge)
	}
}

// webhookIntegration loads the integration named in the path. A platform
// mismatch is reported as not found.
func (h *Handlers) webhookIntegration(r *http.Request, p models.Platform) (*models.PlatformIntegration, error) {
	id := chi.URLParam(r, "integrationID")
	integ, err := h.Store.GetIntegration(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if integ.Platform != p {
		return nil, &store.ErrNotFound{Entity: "integration", Key: id}
	}
	return integ, nil
}

// verifyWebhook checks the platform signature when the integration has a
// secret configured. Integrations without one accept any payload.
func verifyWebhook(integ *models.PlatformIntegration, r *http.Request, body []byte) bool {
	secret := integ.Credentials.Secret
	if secret == "" {
		return true
	}
	sig := signatureHeader(r, integ.Platform)
	switch integ.Platform {
	case models.PlatformTelegram:
		return platform.VerifyTelegramSecret(secret, sig)
	case models.PlatformWhatsApp, models.PlatformMessenger:
		return platform.VerifyMetaSignature(secret, body, sig)
	}
	return false
}

// signatureHeader returns the platform's signature header, preferring Meta's
// sha256 variant over the legacy sha1 one.
func signatureHeader(r *http.Request, p models.Platform) string {
	if p == models.PlatformTelegram {
		return r.Header.Get(platform.HeaderTelegramSecret)
	}
	if sig := r.Header.Get(platform.HeaderMetaSignature256); sig != "" {
		return sig
	}
	return r.Header.Get(platform.HeaderMetaSignature)
}
