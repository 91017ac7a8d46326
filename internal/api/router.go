package api

import (
	"encoding/json"
	"net/http"

	"github.com/relaydesk/relaydesk/internal/api/handlers"
	"github.com/relaydesk/relaydesk/internal/api/middleware"
	"github.com/relaydesk/relaydesk/internal/config"
	"github.com/relaydesk/relaydesk/pkg/models"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates the HTTP router with all API and webhook routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()
	auth := middleware.NewAPIKeyAuth(cfg.Auth.APIKeys, cfg.Auth.APIKeyHeader)

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.OwnerExtractor)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.OwnerHeader, "X-Request-Id", auth.Header()},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(auth.Middleware)

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Provider credentials (the key pool)
		r.Route("/credentials", func(r chi.Router) {
			r.Get("/", h.ListCredentials)
			r.Post("/", h.CreateCredential)
			r.Post("/reload", h.ReloadCredentials)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetCredential)
				r.Delete("/", h.DeleteCredential)
				r.Post("/revoke", h.RevokeCredential)
				r.Post("/reactivate", h.ReactivateCredential)
			})
		})

		r.Route("/personas", func(r chi.Router) {
			r.Get("/", h.ListPersonas)
			r.Post("/", h.CreatePersona)
			r.Get("/active", h.GetActivePersona)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetPersona)
				r.Put("/", h.UpdatePersona)
				r.Delete("/", h.DeletePersona)
				r.Post("/activate", h.ActivatePersona)
			})
		})

		r.Route("/integrations", func(r chi.Router) {
			r.Get("/", h.ListIntegrations)
			r.Post("/", h.CreateIntegration)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetIntegration)
				r.Put("/", h.UpdateIntegration)
				r.Delete("/", h.DeleteIntegration)
			})
		})

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", h.ListConversations)
			r.Get("/{chatKey}", h.GetConversation)
			r.Delete("/{chatKey}", h.DeleteConversation)
		})

		r.Route("/audit", func(r chi.Router) {
			r.Get("/", h.ListAuditEntries)
			r.Get("/{id}", h.GetAuditEntry)
		})

		r.Get("/contacts", h.ListContacts)
		r.Post("/playground/chat", h.PlaygroundChat)
	})

	// Platform webhooks, authenticated by platform signatures
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/telegram/{integrationID}", h.Webhook(models.PlatformTelegram))
		for _, p := range []models.Platform{models.PlatformWhatsApp, models.PlatformMessenger} {
			r.Get("/"+string(p)+"/{integrationID}", h.VerifyWebhook(p))
			r.Post("/"+string(p)+"/{integrationID}", h.Webhook(p))
		}
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "relaydesk",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "relaydesk",
		})
	}
}
