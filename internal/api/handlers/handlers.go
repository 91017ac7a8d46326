// Package handlers implements the HTTP handlers for the RelayDesk admin API
// and the platform webhook endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/relaydesk/relaydesk/internal/completion"
	"github.com/relaydesk/relaydesk/internal/keypool"
	"github.com/relaydesk/relaydesk/internal/persona"
	"github.com/relaydesk/relaydesk/internal/platform"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/pkg/models"
)

// Completer runs one chat turn.
type Completer interface {
	Complete(ctx context.Context, req completion.Request) (*completion.Result, error)
}

// Dispatcher accepts raw webhook payloads for an integration.
type Dispatcher interface {
	HandleIncomingMessage(ctx context.Context, integ *models.PlatformIntegration, raw []byte) (*models.IncomingMessage, error)
}

// Adapters resolves a platform to its adapter.
type Adapters interface {
	Get(p models.Platform) (platform.Adapter, error)
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Store     store.Store
	Keys      *keypool.Manager
	Personas  *persona.Resolver
	Completer Completer
	Relay     Dispatcher
	Platforms Adapters
}

// New creates a new Handlers instance with all dependencies.
func New(s store.Store, keys *keypool.Manager, personas *persona.Resolver, c Completer, relay Dispatcher, platforms Adapters) *Handlers {
	return &Handlers{
		Store:     s,
		Keys:      keys,
		Personas:  personas,
		Completer: c,
		Relay:     relay,
		Platforms: platforms,
	}
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps lookup failures to 404 and everything else to 500.
func respondStoreError(w http.ResponseWriter, err error) {
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}
