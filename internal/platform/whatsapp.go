package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/relaydesk/relaydesk/internal/media"
	"github.com/relaydesk/relaydesk/pkg/models"
	"github.com/rs/zerolog/log"
)

// WhatsApp adapts the WhatsApp Cloud API.
type WhatsApp struct {
	graph   *graphClient
	fetcher *media.Fetcher

	// lastInbound maps (phone number id, chat) to the newest inbound message
	// id. The typing indicator is attached to a read receipt for that message.
	lastInbound *expirable.LRU[string, string]
}

const (
	// Read receipts are only accepted inside the 24h customer service window.
	inboundTTL     = 24 * time.Hour
	inboundEntries = 10_000
)

// NewWhatsApp creates the WhatsApp adapter.
func NewWhatsApp(graph *graphClient, fetcher *media.Fetcher) *WhatsApp {
	return &WhatsApp{
		graph:       graph,
		fetcher:     fetcher,
		lastInbound: expirable.NewLRU[string, string](inboundEntries, nil, inboundTTL),
	}
}

func inboundKey(phoneNumberID, chat string) string { return phoneNumberID + "\x00" + chat }

func (w *WhatsApp) Platform() models.Platform { return models.PlatformWhatsApp }

// ── Wire types ──────────────────────────────────────────────

type waWebhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string  `json:"field"`
			Value waValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type waValue struct {
	Metadata struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []waMessage      `json:"messages"`
	Statuses []json.RawMessage `json:"statuses"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type waMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *waMedia `json:"image"`
	Video    *waMedia `json:"video"`
	Audio    *waMedia `json:"audio"`
	Voice    *waMedia `json:"voice"`
	Document *waMedia `json:"document"`
	Button   *struct {
		Text string `json:"text"`
	} `json:"button"`
	Interactive *struct {
		ButtonReply *struct {
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply *struct {
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
}

type waMediaRef struct {
	ID      string `json:"id,omitempty"`
	Link    string `json:"link,omitempty"`
	Caption string `json:"caption,omitempty"`
}

type waOutgoing struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Context          *struct {
		MessageID string `json:"message_id"`
	} `json:"context,omitempty"`
	Text *struct {
		Body       string `json:"body"`
		PreviewURL bool   `json:"preview_url"`
	} `json:"text,omitempty"`
	Image    *waMediaRef `json:"image,omitempty"`
	Video    *waMediaRef `json:"video,omitempty"`
	Audio    *waMediaRef `json:"audio,omitempty"`
	Document *waMediaRef `json:"document,omitempty"`
}

// ── Adapter ─────────────────────────────────────────────────

func (w *WhatsApp) SendMessage(ctx context.Context, integ *models.PlatformIntegration, out models.OutgoingMessage) (json.RawMessage, error) {
	if integ.Credentials.PhoneNumberID == "" {
		return nil, fmt.Errorf("whatsapp integration %s has no phone number id", integ.ID)
	}
	path := integ.Credentials.PhoneNumberID + "/messages"

	msg := waOutgoing{MessagingProduct: "whatsapp", RecipientType: "individual", To: out.ChatID}
	if out.ReplyToMessageID != "" {
		msg.Context = &struct {
			MessageID string `json:"message_id"`
		}{MessageID: out.ReplyToMessageID}
	}

	// Audio has no caption; its text goes out as a second message.
	var trailingText string
	if out.MediaURL != "" {
		ref := &waMediaRef{Link: out.MediaURL, Caption: out.Content}
		switch out.MediaType {
		case models.MediaImage:
			msg.Type, msg.Image = "image", ref
		case models.MediaVideo:
			msg.Type, msg.Video = "video", ref
		case models.MediaAudio:
			ref.Caption = ""
			msg.Type, msg.Audio = "audio", ref
			trailingText = out.Content
		default:
			msg.Type, msg.Document = "document", ref
		}
	} else {
		msg.Type = "text"
		msg.Text = &struct {
			Body       string `json:"body"`
			PreviewURL bool   `json:"preview_url"`
		}{Body: out.Content}
	}

	raw, err := w.graph.post(ctx, integ, path, nil, true, msg)
	if err != nil {
		return nil, fmt.Errorf("whatsapp send: %w", err)
	}
	if trailingText != "" {
		return w.SendMessage(ctx, integ, models.OutgoingMessage{ChatID: out.ChatID, Content: trailingText})
	}
	return raw, nil
}

func (w *WhatsApp) SendTypingIndicator(ctx context.Context, integ *models.PlatformIntegration, chat string) {
	msgID, ok := w.lastInbound.Get(inboundKey(integ.Credentials.PhoneNumberID, chat))
	if !ok {
		return
	}
	body := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        msgID,
		"typing_indicator":  map[string]string{"type": "text"},
	}
	if _, err := w.graph.post(ctx, integ, integ.Credentials.PhoneNumberID+"/messages", nil, true, body); err != nil {
		log.Debug().Err(err).Str("chat", chat).Msg("WhatsApp typing indicator failed")
	}
}

func (w *WhatsApp) ParseWebhook(raw []byte) *models.IncomingMessage {
	return safeParse(models.PlatformWhatsApp, raw, w.parse)
}

func (w *WhatsApp) parse(raw []byte) *models.IncomingMessage {
	var hook waWebhook
	if err := json.Unmarshal(raw, &hook); err != nil {
		log.Debug().Err(err).Msg("WhatsApp webhook is not JSON")
		return nil
	}
	for _, e := range hook.Entry {
		for _, c := range e.Changes {
			v := c.Value
			for _, m := range v.Messages {
				msg := waToIncoming(m)
				if msg == nil {
					continue // reactions, locations, unsupported types
				}
				for _, ct := range v.Contacts {
					if ct.WaID == m.From {
						msg.SenderName = ct.Profile.Name
					}
				}
				if v.Metadata.PhoneNumberID != "" && m.ID != "" {
					w.lastInbound.Add(inboundKey(v.Metadata.PhoneNumberID, m.From), m.ID)
				}
				return msg
			}
		}
	}
	return nil
}

func waToIncoming(m waMessage) *models.IncomingMessage {
	msg := &models.IncomingMessage{
		ChatID:    m.From,
		SenderID:  m.From,
		MessageID: m.ID,
	}
	if ts, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
		msg.Timestamp = time.Unix(ts, 0).UTC()
	}

	setMedia := func(t models.MediaType, md *waMedia, def string) {
		msg.MediaType = t
		msg.MediaURL = md.ID
		msg.MediaMIMEType = orDefault(md.MimeType, def)
		msg.Content = md.Caption
	}
	switch {
	case m.Text != nil:
		msg.Content = m.Text.Body
	case m.Image != nil:
		setMedia(models.MediaImage, m.Image, "image/jpeg")
	case m.Video != nil:
		setMedia(models.MediaVideo, m.Video, "video/mp4")
	case m.Audio != nil:
		setMedia(models.MediaAudio, m.Audio, "audio/ogg")
	case m.Voice != nil:
		setMedia(models.MediaAudio, m.Voice, "audio/ogg")
	case m.Document != nil:
		setMedia(models.MediaDocument, m.Document, "application/octet-stream")
	case m.Button != nil:
		msg.Content = m.Button.Text
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		msg.Content = m.Interactive.ButtonReply.Title
	case m.Interactive != nil && m.Interactive.ListReply != nil:
		msg.Content = m.Interactive.ListReply.Title
	}
	if msg.Content == "" && msg.MediaType == "" {
		return nil
	}
	return msg
}

func (w *WhatsApp) ValidateWebhook(raw []byte, _ string) bool {
	var probe struct {
		Object string            `json:"object"`
		Entry  []json.RawMessage `json:"entry"`
	}
	return json.Unmarshal(raw, &probe) == nil && probe.Object == "whatsapp_business_account" && probe.Entry != nil
}

func (w *WhatsApp) FetchMedia(ctx context.Context, integ *models.PlatformIntegration, msg *models.IncomingMessage) (*models.Attachment, error) {
	if !msg.HasMedia() {
		return nil, ErrNoMedia
	}
	raw, err := w.graph.get(ctx, integ, msg.MediaURL, nil, true)
	if err != nil {
		return nil, fmt.Errorf("whatsapp media lookup: %w", err)
	}
	var info struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := json.Unmarshal(raw, &info); err != nil || info.URL == "" {
		return nil, fmt.Errorf("whatsapp media lookup: no url for %s", msg.MediaURL)
	}
	headers := map[string]string{
		"Authorization": "Bearer " + integ.Credentials.Token,
		"User-Agent":    w.graph.agents.For(integ),
	}
	return fetchAttachment(ctx, w.fetcher, info.URL, headers, orDefault(info.MimeType, msg.MediaMIMEType))
}
