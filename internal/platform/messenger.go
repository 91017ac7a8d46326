package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/relaydesk/relaydesk/internal/media"
	"github.com/relaydesk/relaydesk/pkg/models"
	"github.com/rs/zerolog/log"
)

// Messenger adapts the Messenger Platform Send API.
type Messenger struct {
	graph   *graphClient
	fetcher *media.Fetcher
}

// NewMessenger creates the Messenger adapter.
func NewMessenger(graph *graphClient, fetcher *media.Fetcher) *Messenger {
	return &Messenger{graph: graph, fetcher: fetcher}
}

func (m *Messenger) Platform() models.Platform { return models.PlatformMessenger }

type fbWebhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string        `json:"id"`
		Time      int64         `json:"time"`
		Messaging []fbMessaging `json:"messaging"`
	} `json:"entry"`
}

type fbMessaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"` // ms
	Message   *struct {
		MID         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
	Postback *struct {
		MID     string `json:"mid"`
		Title   string `json:"title"`
		Payload string `json:"payload"`
	} `json:"postback"`
}

const messengerSendPath = "me/messages"

func (m *Messenger) query(integ *models.PlatformIntegration) url.Values {
	return url.Values{"access_token": {integ.Credentials.Token}}
}

func (m *Messenger) SendMessage(ctx context.Context, integ *models.PlatformIntegration, out models.OutgoingMessage) (json.RawMessage, error) {
	recipient := map[string]string{"id": out.ChatID}
	path := messengerSendPath

	// Messenger has no reply-to and no captions: media goes first, then text.
	var raw json.RawMessage
	if out.MediaURL != "" {
		kind := "file"
		switch out.MediaType {
		case models.MediaImage:
			kind = "image"
		case models.MediaVideo:
			kind = "video"
		case models.MediaAudio:
			kind = "audio"
		}
		body := map[string]any{
			"recipient":      recipient,
			"messaging_type": "RESPONSE",
			"message": map[string]any{
				"attachment": map[string]any{
					"type":    kind,
					"payload": map[string]any{"url": out.MediaURL, "is_reusable": true},
				},
			},
		}
		var err error
		if raw, err = m.graph.post(ctx, integ, path, m.query(integ), false, body); err != nil {
			return nil, fmt.Errorf("messenger send attachment: %w", err)
		}
	}
	if out.Content == "" {
		return raw, nil
	}
	body := map[string]any{
		"recipient":      recipient,
		"messaging_type": "RESPONSE",
		"message":        map[string]string{"text": out.Content},
	}
	raw, err := m.graph.post(ctx, integ, path, m.query(integ), false, body)
	if err != nil {
		return nil, fmt.Errorf("messenger send: %w", err)
	}
	return raw, nil
}

func (m *Messenger) SendTypingIndicator(ctx context.Context, integ *models.PlatformIntegration, chat string) {
	path := messengerSendPath
	body := map[string]any{
		"recipient":     map[string]string{"id": chat},
		"sender_action": "typing_on",
	}
	if _, err := m.graph.post(ctx, integ, path, m.query(integ), false, body); err != nil {
		log.Debug().Err(err).Str("chat", chat).Msg("Messenger typing indicator failed")
	}
}

func (m *Messenger) ParseWebhook(raw []byte) *models.IncomingMessage {
	return safeParse(models.PlatformMessenger, raw, parseMessenger)
}

func parseMessenger(raw []byte) *models.IncomingMessage {
	var hook fbWebhook
	if err := json.Unmarshal(raw, &hook); err != nil {
		log.Debug().Err(err).Msg("Messenger webhook is not JSON")
		return nil
	}
	if hook.Object != "page" {
		return nil
	}
	for _, e := range hook.Entry {
		for _, ev := range e.Messaging {
			msg := &models.IncomingMessage{
				ChatID:   ev.Sender.ID,
				SenderID: ev.Sender.ID,
			}
			if ev.Timestamp > 0 {
				msg.Timestamp = time.UnixMilli(ev.Timestamp).UTC()
			}
			switch {
			case ev.Message != nil:
				if ev.Message.IsEcho {
					continue
				}
				msg.MessageID = ev.Message.MID
				msg.Content = ev.Message.Text
				// First attachment with a media type wins; location,
				// fallback and template attachments are skipped.
				for _, a := range ev.Message.Attachments {
					if t := messengerMediaType(a.Type); t != "" && a.Payload.URL != "" {
						msg.MediaType = t
						msg.MediaURL = a.Payload.URL
						break
					}
				}
			case ev.Postback != nil:
				msg.MessageID = ev.Postback.MID
				msg.Content = ev.Postback.Title
			default:
				continue // delivery, read
			}
			if msg.Content == "" && !msg.HasMedia() {
				continue
			}
			return msg
		}
	}
	return nil
}

func messengerMediaType(t string) models.MediaType {
	switch t {
	case "image":
		return models.MediaImage
	case "video":
		return models.MediaVideo
	case "audio":
		return models.MediaAudio
	case "file":
		return models.MediaDocument
	}
	return ""
}

func (m *Messenger) ValidateWebhook(raw []byte, _ string) bool {
	var probe struct {
		Object string            `json:"object"`
		Entry  []json.RawMessage `json:"entry"`
	}
	return json.Unmarshal(raw, &probe) == nil && probe.Object == "page" && probe.Entry != nil
}

// FetchMedia downloads the attachment's CDN URL; no token is needed.
func (m *Messenger) FetchMedia(ctx context.Context, integ *models.PlatformIntegration, msg *models.IncomingMessage) (*models.Attachment, error) {
	if !msg.HasMedia() {
		return nil, ErrNoMedia
	}
	headers := map[string]string{"User-Agent": m.graph.agents.For(integ)}
	return fetchAttachment(ctx, m.fetcher, msg.MediaURL, headers, "")
}
