package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/relaydesk/relaydesk/internal/media"
	"github.com/relaydesk/relaydesk/pkg/models"
	"github.com/rs/zerolog/log"
)

// Telegram adapts the Bot API through github.com/go-telegram/bot.
type Telegram struct {
	serverURL string
	client    *http.Client
	agents    *UserAgents
	fetcher   *media.Fetcher

	bots *lru.Cache[string, *bot.Bot] // token+ua -> bot
}

// maxBots bounds the client cache; evicted clients are rebuilt on demand.
const maxBots = 512

// NewTelegram creates the Telegram adapter.
func NewTelegram(serverURL string, client *http.Client, agents *UserAgents, fetcher *media.Fetcher) *Telegram {
	return &Telegram{
		serverURL: strings.TrimRight(serverURL, "/"),
		client:    client,
		agents:    agents,
		fetcher:   fetcher,
		bots:      mustBotCache(),
	}
}

func (t *Telegram) Platform() models.Platform { return models.PlatformTelegram }

// botFor returns a Bot API client for the integration's token. Clients are
// cached per token and User-Agent.
func (t *Telegram) botFor(integ *models.PlatformIntegration) (*bot.Bot, error) {
	token := integ.Credentials.Token
	if token == "" {
		return nil, fmt.Errorf("telegram integration %s has no bot token", integ.ID)
	}
	ua := t.agents.For(integ)
	key := token + "\x00" + ua

	if b, ok := t.bots.Get(key); ok {
		return b, nil
	}
	b, err := bot.New(token,
		bot.WithSkipGetMe(),
		bot.WithServerURL(t.serverURL),
		bot.WithHTTPClient(t.client.Timeout, withUserAgent(t.client, ua)),
	)
	if err != nil {
		return nil, fmt.Errorf("telegram client: %w", err)
	}
	t.bots.Add(key, b)
	return b, nil
}

func mustBotCache() *lru.Cache[string, *bot.Bot] {
	c, err := lru.New[string, *bot.Bot](maxBots)
	if err != nil {
		panic(err) // only for a non-positive size
	}
	return c
}

// chatID passes numeric ids as integers and @usernames through.
func chatID(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func (t *Telegram) SendMessage(ctx context.Context, integ *models.PlatformIntegration, out models.OutgoingMessage) (json.RawMessage, error) {
	b, err := t.botFor(integ)
	if err != nil {
		return nil, err
	}
	var reply *tgmodels.ReplyParameters
	if id, err := strconv.Atoi(out.ReplyToMessageID); err == nil && id > 0 {
		reply = &tgmodels.ReplyParameters{MessageID: id}
	}

	var sent *tgmodels.Message
	if out.MediaURL != "" {
		file := &tgmodels.InputFileString{Data: out.MediaURL}
		switch out.MediaType {
		case models.MediaImage:
			sent, err = b.SendPhoto(ctx, &bot.SendPhotoParams{ChatID: chatID(out.ChatID), Photo: file, Caption: out.Content, ReplyParameters: reply})
		case models.MediaVideo:
			sent, err = b.SendVideo(ctx, &bot.SendVideoParams{ChatID: chatID(out.ChatID), Video: file, Caption: out.Content, ReplyParameters: reply})
		case models.MediaAudio:
			sent, err = b.SendAudio(ctx, &bot.SendAudioParams{ChatID: chatID(out.ChatID), Audio: file, Caption: out.Content, ReplyParameters: reply})
		default:
			sent, err = b.SendDocument(ctx, &bot.SendDocumentParams{ChatID: chatID(out.ChatID), Document: file, Caption: out.Content, ReplyParameters: reply})
		}
	} else {
		sent, err = b.SendMessage(ctx, &bot.SendMessageParams{
			ChatID:          chatID(out.ChatID),
			Text:            out.Content,
			ReplyParameters: reply,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("telegram send: %w", err)
	}
	raw, _ := json.Marshal(sent)
	return raw, nil
}

func (t *Telegram) SendTypingIndicator(ctx context.Context, integ *models.PlatformIntegration, chat string) {
	b, err := t.botFor(integ)
	if err != nil {
		log.Debug().Err(err).Msg("Telegram typing indicator skipped")
		return
	}
	if _, err := b.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID(chat),
		Action: tgmodels.ChatActionTyping,
	}); err != nil {
		log.Debug().Err(err).Str("chat", chat).Msg("Telegram typing indicator failed")
	}
}

func (t *Telegram) ParseWebhook(raw []byte) *models.IncomingMessage {
	return safeParse(models.PlatformTelegram, raw, parseTelegramUpdate)
}

func parseTelegramUpdate(raw []byte) *models.IncomingMessage {
	var upd tgmodels.Update
	if err := json.Unmarshal(raw, &upd); err != nil {
		log.Debug().Err(err).Msg("Telegram update is not JSON")
		return nil
	}
	m := upd.Message
	if m == nil {
		m = upd.EditedMessage
	}
	if m == nil {
		return nil
	}

	msg := &models.IncomingMessage{
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		MessageID: strconv.Itoa(m.ID),
		Content:   m.Text,
		Timestamp: time.Unix(int64(m.Date), 0).UTC(),
	}
	if m.From != nil {
		msg.SenderID = strconv.FormatInt(m.From.ID, 10)
		msg.SenderName = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		if msg.SenderName == "" {
			msg.SenderName = m.From.Username
		}
	} else {
		msg.SenderID = msg.ChatID
	}

	switch {
	case len(m.Photo) > 0:
		// Sizes are ascending; the last is the largest.
		msg.MediaType = models.MediaImage
		msg.MediaURL = m.Photo[len(m.Photo)-1].FileID
		msg.MediaMIMEType = "image/jpeg"
	case m.Video != nil:
		msg.MediaType = models.MediaVideo
		msg.MediaURL = m.Video.FileID
		msg.MediaMIMEType = orDefault(m.Video.MimeType, "video/mp4")
	case m.Voice != nil:
		msg.MediaType = models.MediaAudio
		msg.MediaURL = m.Voice.FileID
		msg.MediaMIMEType = orDefault(m.Voice.MimeType, "audio/ogg")
	case m.Audio != nil:
		msg.MediaType = models.MediaAudio
		msg.MediaURL = m.Audio.FileID
		msg.MediaMIMEType = orDefault(m.Audio.MimeType, "audio/mpeg")
	case m.Document != nil:
		msg.MediaType = models.MediaDocument
		msg.MediaURL = m.Document.FileID
		msg.MediaMIMEType = orDefault(m.Document.MimeType, "application/octet-stream")
	}
	if msg.MediaType != "" {
		msg.Content = m.Caption
	}
	if msg.Content == "" && msg.MediaType == "" {
		return nil
	}
	return msg
}

func (t *Telegram) ValidateWebhook(raw []byte, _ string) bool {
	var probe struct {
		UpdateID *int64 `json:"update_id"`
	}
	return json.Unmarshal(raw, &probe) == nil && probe.UpdateID != nil
}

func (t *Telegram) FetchMedia(ctx context.Context, integ *models.PlatformIntegration, msg *models.IncomingMessage) (*models.Attachment, error) {
	if !msg.HasMedia() {
		return nil, ErrNoMedia
	}
	b, err := t.botFor(integ)
	if err != nil {
		return nil, err
	}
	f, err := b.GetFile(ctx, &bot.GetFileParams{FileID: msg.MediaURL})
	if err != nil {
		return nil, fmt.Errorf("telegram getFile: %w", err)
	}
	link := fmt.Sprintf("%s/file/bot%s/%s", t.serverURL, integ.Credentials.Token, strings.TrimLeft(f.FilePath, "/"))
	return fetchAttachment(ctx, t.fetcher, link, nil, msg.MediaMIMEType)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
