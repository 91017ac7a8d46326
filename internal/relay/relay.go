// Package relay turns inbound platform webhooks into paced replies.
//
// HandleIncomingMessage parses synchronously and returns at once; the rest
// of the exchange (read delay, media download, completion, typing delay,
// send) runs on a supervised background goroutine so webhook callers are
// never held up by provider latency.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaydesk/relaydesk/internal/behavior"
	"github.com/relaydesk/relaydesk/internal/completion"
	"github.com/relaydesk/relaydesk/internal/media"
	"github.com/relaydesk/relaydesk/internal/platform"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/internal/telemetry"
	"github.com/relaydesk/relaydesk/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Completer produces a reply for a chat turn.
type Completer interface {
	Complete(ctx context.Context, req completion.Request) (*completion.Result, error)
}

// Adapters resolves a platform to its adapter.
type Adapters interface {
	Get(p models.Platform) (platform.Adapter, error)
}

// Relay dispatches inbound messages.
type Relay struct {
	adapters   Adapters
	completer  Completer
	contacts   store.ContactStore
	behavior   *behavior.Simulator
	transcoder *media.Transcoder

	wg sync.WaitGroup
}

// New creates a Relay.
func New(adapters Adapters, completer Completer, contacts store.ContactStore,
	sim *behavior.Simulator, transcoder *media.Transcoder) *Relay {
	return &Relay{
		adapters:   adapters,
		completer:  completer,
		contacts:   contacts,
		behavior:   sim,
		transcoder: transcoder,
	}
}

// HandleIncomingMessage parses raw for integ and, if it is a user message,
// records the contact and schedules the reply. It returns the parsed message
// (nil when the payload was not a user message or the integration is not
// active). Errors only concern adapter lookup; processing errors are logged.
func (r *Relay) HandleIncomingMessage(ctx context.Context, integ *models.PlatformIntegration, raw []byte) (*models.IncomingMessage, error) {
	p := string(integ.Platform)
	if integ.Status != models.IntegrationActive {
		telemetry.WebhookMessages.WithLabelValues(p, "inactive").Inc()
		log.Debug().Str("integration", integ.ID).Str("status", string(integ.Status)).Msg("Webhook for inactive integration ignored")
		return nil, nil
	}
	adapter, err := r.adapters.Get(integ.Platform)
	if err != nil {
		return nil, err
	}

	msg := adapter.ParseWebhook(raw)
	if msg == nil {
		telemetry.WebhookMessages.WithLabelValues(p, "skipped").Inc()
		log.Debug().Str("integration", integ.ID).Str("platform", p).Msg("Webhook payload carries no user message")
		return nil, nil
	}
	msg.IntegrationID = integ.ID
	telemetry.WebhookMessages.WithLabelValues(p, "accepted").Inc()

	r.recordContact(ctx, integ, msg)

	// Detached from the request: the webhook answers before the reply is sent.
	bg := context.WithoutCancel(ctx)
	integCopy := *integ
	r.wg.Add(1)
	telemetry.InflightTasks.Inc()
	go func() {
		defer r.wg.Done()
		defer telemetry.InflightTasks.Dec()
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("panic", rec).
					Str("integration", integCopy.ID).
					Str("chat", msg.ChatID).
					Bytes("stack", debug.Stack()).
					Msg("Message task panicked")
			}
		}()
		if err := r.process(bg, adapter, &integCopy, msg); err != nil {
			log.Error().Err(err).
				Str("integration", integCopy.ID).
				Str("platform", p).
				Str("chat", msg.ChatID).
				Msg("Message task failed")
		}
	}()
	return msg, nil
}

func (r *Relay) recordContact(ctx context.Context, integ *models.PlatformIntegration, msg *models.IncomingMessage) {
	if r.contacts == nil {
		return
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	c := &models.Contact{
		ID:          uuid.New().String(),
		OwnerID:     integ.OwnerID,
		Platform:    integ.Platform,
		SenderID:    msg.SenderID,
		ChatID:      msg.ChatID,
		DisplayName: msg.SenderName,
		FirstSeenAt: ts,
		LastSeenAt:  ts,
	}
	if err := r.contacts.UpsertContact(ctx, c); err != nil {
		log.Warn().Err(err).Str("sender", msg.SenderID).Msg("Failed to record contact")
	}
}

// process is the background half of a message: read, think, type, send.
func (r *Relay) process(ctx context.Context, adapter platform.Adapter, integ *models.PlatformIntegration, msg *models.IncomingMessage) error {
	ctx, span := telemetry.Tracer().Start(ctx, "relay.process",
		trace.WithAttributes(
			attribute.String("relaydesk.platform", string(msg.Platform)),
			attribute.String("relaydesk.integration", integ.ID),
			attribute.Bool("relaydesk.media", msg.HasMedia()),
		),
	)
	defer span.End()

	r.behavior.Wait(r.behavior.Reading(integ), len(msg.Content))

	var attachments []models.Attachment
	if msg.HasMedia() {
		att, err := adapter.FetchMedia(ctx, integ, msg)
		if err != nil {
			log.Warn().Err(err).Str("chat", msg.ChatID).Str("media", string(msg.MediaType)).
				Msg("Media download failed, continuing with text only")
		} else {
			att.Data, att.MIMEType = r.transcoder.Prepare(ctx, att.Data, att.MIMEType)
			attachments = append(attachments, *att)
		}
	}

	res, err := r.completer.Complete(ctx, completion.Request{
		OwnerID:     integ.OwnerID,
		ChatKey:     models.ChatKey(msg.Platform, msg.ChatID),
		Prompt:      msg.Content,
		Attachments: attachments,
	})
	if err != nil {
		if errors.Is(err, completion.ErrEmptyPrompt) {
			log.Debug().Str("chat", msg.ChatID).Msg("Nothing to answer")
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("complete: %w", err)
	}

	_, err = r.SendMessageWithBehavior(ctx, integ, models.OutgoingMessage{
		ChatID:           msg.ChatID,
		Content:          res.ReplyText,
		ReplyToMessageID: msg.MessageID,
	})
	return err
}

// SendMessageWithBehavior shows a typing indicator, waits a typing delay
// sized to the reply, then sends it.
func (r *Relay) SendMessageWithBehavior(ctx context.Context, integ *models.PlatformIntegration, out models.OutgoingMessage) (json.RawMessage, error) {
	adapter, err := r.adapters.Get(integ.Platform)
	if err != nil {
		return nil, err
	}
	adapter.SendTypingIndicator(ctx, integ, out.ChatID)
	r.behavior.Wait(r.behavior.Typing(integ), len(out.Content))

	raw, err := adapter.SendMessage(ctx, integ, out)
	if err != nil {
		telemetry.OutboundMessages.WithLabelValues(string(integ.Platform), "error").Inc()
		return nil, fmt.Errorf("send to %s: %w", integ.Platform, err)
	}
	telemetry.OutboundMessages.WithLabelValues(string(integ.Platform), "sent").Inc()
	log.Info().
		Str("integration", integ.ID).
		Str("platform", string(integ.Platform)).
		Str("chat", out.ChatID).
		Int("chars", len(out.Content)).
		Msg("Reply sent")
	return raw, nil
}

// Wait blocks until every in-flight message task has finished or ctx ends.
func (r *Relay) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
