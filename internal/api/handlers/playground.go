package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/relaydesk/relaydesk/internal/api/middleware"
	"github.com/relaydesk/relaydesk/internal/completion"
	"github.com/relaydesk/relaydesk/internal/keypool"
	"github.com/relaydesk/relaydesk/pkg/models"
	"github.com/rs/zerolog/log"
)

// playgroundRequest is a chat turn sent from the admin UI. Attachment data
// is base64 in JSON.
type playgroundRequest struct {
	ChatID      string `json:"chatId"`
	Message     string `json:"message"`
	Attachments []struct {
		MIMEType string `json:"mimeType"`
		Data     []byte `json:"data"`
	} `json:"attachments"`
}

// PlaygroundChat runs one completion synchronously, without any platform.
// Memory is kept under the "playground:<chatId>" key.
func (h *Handlers) PlaygroundChat(w http.ResponseWriter, r *http.Request) {
	var req playgroundRequest
	if !decodeBody(w, r, &req) {
		return
	}
	chatID := strings.TrimSpace(req.ChatID)
	if chatID == "" {
		chatID = "default"
	}

	creq := completion.Request{
		OwnerID: middleware.GetOwner(r.Context()),
		ChatKey: models.ChatKey(models.PlatformPlayground, chatID),
		Prompt:  req.Message,
	}
	for _, a := range req.Attachments {
		if a.MIMEType == "" || len(a.Data) == 0 {
			respondError(w, http.StatusBadRequest, "attachments need mimeType and data")
			return
		}
		creq.Attachments = append(creq.Attachments, models.Attachment{MIMEType: a.MIMEType, Data: a.Data})
	}

	res, err := h.Completer.Complete(r.Context(), creq)
	if err != nil {
		switch {
		case errors.Is(err, completion.ErrEmptyPrompt):
			respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, keypool.ErrNoCredentialsAvailable):
			respondError(w, http.StatusConflict, err.Error())
		case errors.Is(err, completion.ErrAllCredentialsFailed):
			respondError(w, http.StatusBadGateway, err.Error())
		default:
			log.Error().Err(err).Str("chat", creq.ChatKey).Msg("Playground completion failed")
			respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, res)
}
