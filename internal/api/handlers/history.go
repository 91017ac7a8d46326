package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/relaydesk/relaydesk/internal/api/middleware"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/pkg/models"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// ── Conversations ────────────────────────────────────────────

func (h *Handlers) ListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := h.Store.ListConversations(r.Context(), middleware.GetOwner(r.Context()))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if convs == nil {
		convs = []models.ConversationMemory{}
	}
	respondJSON(w, http.StatusOK, convs)
}

func (h *Handlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.Store.GetConversation(r.Context(), middleware.GetOwner(r.Context()), chi.URLParam(r, "chatKey"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

// DeleteConversation forgets a chat's memory; the next message starts fresh.
func (h *Handlers) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	chatKey := chi.URLParam(r, "chatKey")
	if err := h.Store.DeleteConversation(r.Context(), middleware.GetOwner(r.Context()), chatKey); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "chat_key": chatKey})
}

// ── Audit ────────────────────────────────────────────────────

func (h *Handlers) ListAuditEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultAuditLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxAuditLimit)
	}

	entries, err := h.Store.ListAuditEntries(r.Context(), models.AuditFilter{
		OwnerID:      middleware.GetOwner(r.Context()),
		CredentialID: q.Get("credential"),
		ChatKey:      q.Get("chat_key"),
		Limit:        limit,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []models.AuditLogEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (h *Handlers) GetAuditEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := h.Store.GetAuditEntry(r.Context(), id)
	if err == nil && entry.OwnerID != middleware.GetOwner(r.Context()) {
		err = &store.ErrNotFound{Entity: "audit_entry", Key: id}
	}
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

// ── Contacts ─────────────────────────────────────────────────

func (h *Handlers) ListContacts(w http.ResponseWriter, r *http.Request) {
	var platform models.Platform
	if v := r.URL.Query().Get("platform"); v != "" {
		p, ok := models.ParsePlatform(v)
		if !ok {
			respondError(w, http.StatusBadRequest, "unknown platform: "+v)
			return
		}
		platform = p
	}
	contacts, err := h.Store.ListContacts(r.Context(), middleware.GetOwner(r.Context()), platform)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if contacts == nil {
		contacts = []models.Contact{}
	}
	respondJSON(w, http.StatusOK, contacts)
}
