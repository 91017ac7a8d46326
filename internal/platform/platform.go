// Package platform adapts chat platforms (Telegram, WhatsApp Cloud API,
// Facebook Messenger) to the canonical incoming/outgoing message model.
//
// Each adapter is stateless with respect to integrations: the integration
// carrying the credentials is passed on every call, so one adapter instance
// serves every owner's bots and pages.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/relaydesk/relaydesk/internal/media"
	"github.com/relaydesk/relaydesk/pkg/models"
	"github.com/rs/zerolog/log"
)

// ErrUnknownPlatform is returned by Registry.Get for platforms without an adapter.
var ErrUnknownPlatform = errors.New("unknown platform")

// ErrNoMedia is returned by FetchMedia when the message carries no media reference.
var ErrNoMedia = errors.New("message has no media")

// Adapter is the per-platform capability set.
type Adapter interface {
	Platform() models.Platform

	// SendMessage delivers out and returns the platform's raw response.
	SendMessage(ctx context.Context, integ *models.PlatformIntegration, out models.OutgoingMessage) (json.RawMessage, error)

	// SendTypingIndicator is best-effort; failures are logged and dropped.
	SendTypingIndicator(ctx context.Context, integ *models.PlatformIntegration, chatID string)

	// ParseWebhook returns nil for payloads that are not a user message.
	// It never panics.
	ParseWebhook(raw []byte) *models.IncomingMessage

	// ValidateWebhook is a structural check of the payload. Signatures are
	// verified by the HTTP layer with VerifyMetaSignature/VerifyTelegramSecret.
	ValidateWebhook(raw []byte, signature string) bool

	// FetchMedia resolves the message's media reference to bytes.
	FetchMedia(ctx context.Context, integ *models.PlatformIntegration, msg *models.IncomingMessage) (*models.Attachment, error)
}

// Options configures the adapters built by NewRegistry.
type Options struct {
	GraphBaseURL    string
	GraphAPIVersion string
	TelegramBaseURL string
	HTTPClient      *http.Client
	UserAgents      *UserAgents
	Fetcher         *media.Fetcher
}

func (o *Options) defaults() {
	if o.GraphBaseURL == "" {
		o.GraphBaseURL = "https://graph.facebook.com"
	}
	if o.GraphAPIVersion == "" {
		o.GraphAPIVersion = "v21.0"
	}
	if o.TelegramBaseURL == "" {
		o.TelegramBaseURL = "https://api.telegram.org"
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if o.UserAgents == nil {
		o.UserAgents = NewUserAgents(nil)
	}
	if o.Fetcher == nil {
		o.Fetcher = media.NewFetcher(o.HTTPClient, 0, 0)
	}
}

// Registry is the closed dispatch table from platform to adapter.
type Registry struct {
	adapters map[models.Platform]Adapter
}

// NewRegistry builds one adapter per webhook platform.
func NewRegistry(opts Options) *Registry {
	opts.defaults()
	graph := newGraphClient(opts.GraphBaseURL, opts.GraphAPIVersion, opts.HTTPClient, opts.UserAgents)

	r := &Registry{adapters: make(map[models.Platform]Adapter)}
	for _, p := range models.Platforms() {
		var a Adapter
		switch p {
		case models.PlatformTelegram:
			a = NewTelegram(opts.TelegramBaseURL, opts.HTTPClient, opts.UserAgents, opts.Fetcher)
		case models.PlatformWhatsApp:
			a = NewWhatsApp(graph, opts.Fetcher)
		case models.PlatformMessenger:
			a = NewMessenger(graph, opts.Fetcher)
		default:
			panic(fmt.Sprintf("platform: no adapter for %q", p))
		}
		r.adapters[p] = a
	}
	log.Info().Int("adapters", len(r.adapters)).Msg("Platform adapters registered")
	return r
}

// Get returns the adapter for p.
func (r *Registry) Get(p models.Platform) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, p)
	}
	return a, nil
}

// safeParse runs parse and turns a panic into a nil message.
func safeParse(p models.Platform, raw []byte, parse func([]byte) *models.IncomingMessage) (msg *models.IncomingMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("platform", string(p)).Interface("panic", r).Msg("Webhook parse panicked")
			msg = nil
		}
	}()
	msg = parse(raw)
	if msg != nil {
		msg.Platform = p
		msg.RawPayload = append(json.RawMessage(nil), raw...)
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
	}
	return msg
}

// fetchAttachment downloads url through f and fills in a mime type.
func fetchAttachment(ctx context.Context, f *media.Fetcher, url string, headers map[string]string, fallbackMIME string) (*models.Attachment, error) {
	data, mimeType, err := f.Get(ctx, url, headers)
	if err != nil {
		return nil, err
	}
	if fallbackMIME != "" && (mimeType == "" || mimeType == "application/octet-stream" || mimeType == "text/plain") {
		mimeType = fallbackMIME
	}
	return &models.Attachment{MIMEType: mimeType, Data: data}, nil
}
