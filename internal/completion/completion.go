// Package completion produces one chat reply per call.
//
// A call walks the owner's credentials in least-recently-used order, trying
// each against the provider until one answers, then records the exchange in
// conversation memory and the audit log. Nothing is persisted unless a
// credential succeeds.
package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relaydesk/relaydesk/internal/keypool"
	"github.com/relaydesk/relaydesk/internal/llm"
	"github.com/relaydesk/relaydesk/internal/sessions"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/internal/telemetry"
	"github.com/relaydesk/relaydesk/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrAllCredentialsFailed matches any *AllCredentialsFailedError via errors.Is.
	ErrAllCredentialsFailed = errors.New("all credentials failed")

	// ErrEmptyPrompt is returned when there is neither text nor an attachment to send.
	ErrEmptyPrompt = errors.New("empty prompt")

	// ErrEmptyReply is returned by an attempt whose final answer has no text.
	ErrEmptyReply = errors.New("provider returned no text")
)

// AllCredentialsFailedError carries the last provider error after every
// candidate failed.
type AllCredentialsFailedError struct {
	Attempts int
	LastErr  error
}

func (e *AllCredentialsFailedError) Error() string {
	return fmt.Sprintf("all %d credentials failed, last error: %v", e.Attempts, e.LastErr)
}

func (e *AllCredentialsFailedError) Is(target error) bool { return target == ErrAllCredentialsFailed }

func (e *AllCredentialsFailedError) Unwrap() error { return e.LastErr }

// KeyPool is the part of keypool.Manager the engine uses.
type KeyPool interface {
	SelectOrderedCandidates(ctx context.Context, ownerID string) ([]models.Credential, error)
	MarkUsed(ctx context.Context, credentialID string, ts time.Time) error
}

// PersonaResolver yields the system prompt for an owner.
type PersonaResolver interface {
	Active(ctx context.Context, ownerID string) models.Persona
}

// Store is the persistence the engine writes on success.
type Store interface {
	store.ConversationStore
	store.AuditStore
}

// Config tunes the engine.
type Config struct {
	Model           string
	HistoryWindow   int           // turns sent to the provider
	MemoryLimit     int           // turns persisted
	ProviderTimeout time.Duration // per attempt; 0 disables
	Locker          sessions.Locker
	Now             func() time.Time
}

// Request is one chat turn.
type Request struct {
	OwnerID     string
	ChatKey     string
	Prompt      string
	Attachments []models.Attachment
}

// Result is the reply and the credential that produced it.
type Result struct {
	ReplyText    string `json:"reply"`
	CredentialID string `json:"credentialId"`
}

// Engine orchestrates a chat turn.
type Engine struct {
	keys     KeyPool
	personas PersonaResolver
	store    Store
	llm      llm.Client
	cfg      Config
}

// New creates an Engine. Zero config values take the defaults
// (20 turns sent, 50 kept, an in-process per-chat locker).
func New(keys KeyPool, personas PersonaResolver, st Store, client llm.Client, cfg Config) *Engine {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 20
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = 50
	}
	if cfg.Locker == nil {
		cfg.Locker = sessions.NewKeyLocker()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{keys: keys, personas: personas, store: st, llm: client, cfg: cfg}
}

// attempt is the outcome of one successful candidate.
type attempt struct {
	text      string
	toolCalls []llm.ToolCall
	raw       []json.RawMessage
}

// Complete runs one chat turn for req.
func (e *Engine) Complete(ctx context.Context, req Request) (res *Result, err error) {
	if req.OwnerID == "" {
		req.OwnerID = models.DefaultOwner
	}
	start := time.Now()
	ctx, span := telemetry.Tracer().Start(ctx, "completion.Complete",
		trace.WithAttributes(
			attribute.String("relaydesk.owner", req.OwnerID),
			attribute.String("relaydesk.chat_key", req.ChatKey),
			attribute.Int("relaydesk.attachments", len(req.Attachments)),
		),
	)
	defer func() {
		outcome := outcomeOf(err)
		telemetry.Completions.WithLabelValues(outcome).Inc()
		telemetry.CompletionDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("relaydesk.credential", res.CredentialID))
		}
		span.End()
	}()

	parts := buildParts(req)
	if len(parts) == 0 {
		return nil, ErrEmptyPrompt
	}

	candidates, err := e.keys.SelectOrderedCandidates(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("relaydesk.candidates", len(candidates)))

	persona := e.personas.Active(ctx, req.OwnerID)

	// Memory is keyed by (owner, chatKey); lock on the same pair.
	lockKey := req.OwnerID + "\x00" + req.ChatKey
	if err := e.cfg.Locker.Lock(ctx, lockKey); err != nil {
		return nil, fmt.Errorf("lock conversation %s: %w", req.ChatKey, err)
	}
	defer e.cfg.Locker.Unlock(lockKey)

	mem, err := e.loadMemory(ctx, req.OwnerID, req.ChatKey)
	if err != nil {
		return nil, err
	}
	history := models.LastTurns(mem.Turns, e.cfg.HistoryWindow)

	var (
		lastErr error
		won     *attempt
		used    models.Credential
	)
	for i, cred := range candidates {
		a, err := e.attempt(ctx, cred, persona, history, parts)
		if err != nil {
			telemetry.ProviderAttempts.WithLabelValues("error").Inc()
			log.Warn().
				Str("owner", req.OwnerID).
				Str("chat_key", req.ChatKey).
				Str("credential", cred.ID).
				Int("attempt", i+1).
				Int("candidates", len(candidates)).
				Err(err).
				Msg("Provider call failed, trying next credential")
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		telemetry.ProviderAttempts.WithLabelValues("success").Inc()
		won, used = a, cred
		break
	}
	if won == nil {
		return nil, &AllCredentialsFailedError{Attempts: len(candidates), LastErr: lastErr}
	}

	now := e.cfg.Now().UTC()
	if err := e.keys.MarkUsed(ctx, used.ID, now); err != nil {
		log.Error().Err(err).Str("credential", used.ID).Msg("Failed to mark credential used")
	}

	mem.Turns = append(mem.Turns,
		models.Turn{Role: models.RoleUser, Content: memoryText(req)},
		models.Turn{Role: models.RoleModel, Content: won.text},
	)
	mem.Turns = models.LastTurns(mem.Turns, e.cfg.MemoryLimit)
	mem.UpdatedAt = now
	if err := e.store.UpsertConversation(ctx, mem); err != nil {
		log.Error().Err(err).Str("chat_key", req.ChatKey).Msg("Failed to persist conversation memory")
	}

	if err := e.store.CreateAuditEntry(ctx, e.auditEntry(req, persona, used, won, len(history), now)); err != nil {
		log.Error().Err(err).Str("chat_key", req.ChatKey).Msg("Failed to write audit entry")
	}

	log.Info().
		Str("owner", req.OwnerID).
		Str("chat_key", req.ChatKey).
		Str("credential", used.ID).
		Int("tool_calls", len(won.toolCalls)).
		Dur("latency", time.Since(start)).
		Msg("Completion succeeded")

	return &Result{ReplyText: won.text, CredentialID: used.ID}, nil
}

// attempt runs one credential: the prompt, then at most one tool follow-up.
func (e *Engine) attempt(ctx context.Context, cred models.Credential, persona models.Persona,
	history []models.Turn, parts []llm.Part) (*attempt, error) {
	if e.cfg.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ProviderTimeout)
		defer cancel()
	}

	sess, err := e.llm.NewSession(ctx, llm.SessionConfig{
		APIKey:       cred.Secret,
		Model:        e.cfg.Model,
		SystemPrompt: persona.SystemPrompt,
		Tools:        llm.DefaultTools(),
		History:      history,
	})
	if err != nil {
		return nil, err
	}

	resp, err := sess.Send(ctx, parts)
	if err != nil {
		return nil, err
	}
	a := &attempt{raw: []json.RawMessage{resp.Raw}}

	if len(resp.ToolCalls) > 0 {
		a.toolCalls = resp.ToolCalls
		for _, c := range resp.ToolCalls {
			telemetry.ToolCalls.WithLabelValues(c.Name).Inc()
		}
		follow, err := sess.Send(ctx, llm.PlaceholderResults(resp.ToolCalls))
		if err != nil {
			return nil, fmt.Errorf("tool follow-up: %w", err)
		}
		a.raw = append(a.raw, follow.Raw)
		resp = follow
	}

	a.text = strings.TrimSpace(resp.Text)
	if a.text == "" {
		return nil, ErrEmptyReply
	}
	return a, nil
}

func (e *Engine) loadMemory(ctx context.Context, ownerID, chatKey string) (*models.ConversationMemory, error) {
	mem, err := e.store.GetConversation(ctx, ownerID, chatKey)
	if err == nil {
		return mem, nil
	}
	var nf *store.ErrNotFound
	if !errors.As(err, &nf) {
		return nil, fmt.Errorf("load conversation %s: %w", chatKey, err)
	}
	return &models.ConversationMemory{
		ID:      uuid.New().String(),
		ChatKey: chatKey,
		OwnerID: ownerID,
	}, nil
}

type auditRequest struct {
	ChatKey      string           `json:"chat_key"`
	Prompt       string           `json:"prompt"`
	Attachments  []auditAttachRef `json:"attachments,omitempty"`
	PersonaID    string           `json:"persona_id"`
	Model        string           `json:"model,omitempty"`
	HistoryTurns int              `json:"history_turns"`
}

type auditAttachRef struct {
	MIMEType string `json:"mime_type"`
	Size     int    `json:"size"`
}

type auditResponse struct {
	Text      string         `json:"text"`
	ToolCalls []llm.ToolCall `json:"tool_calls,omitempty"`
}

func (e *Engine) auditEntry(req Request, persona models.Persona, cred models.Credential, a *attempt,
	historyTurns int, now time.Time) *models.AuditLogEntry {
	ar := auditRequest{
		ChatKey:      req.ChatKey,
		Prompt:       req.Prompt,
		PersonaID:    persona.ID,
		Model:        e.cfg.Model,
		HistoryTurns: historyTurns,
	}
	for _, att := range req.Attachments {
		ar.Attachments = append(ar.Attachments, auditAttachRef{MIMEType: att.MIMEType, Size: len(att.Data)})
	}
	reqJSON, _ := json.Marshal(ar)
	respJSON, _ := json.Marshal(auditResponse{Text: a.text, ToolCalls: a.toolCalls})
	rawJSON, err := json.Marshal(a.raw)
	if err != nil {
		rawJSON = nil
	}

	return &models.AuditLogEntry{
		ID:                  uuid.New().String(),
		OwnerID:             req.OwnerID,
		ChatKey:             req.ChatKey,
		CredentialIDUsed:    cred.ID,
		RequestPayload:      reqJSON,
		ResponsePayload:     respJSON,
		RawProviderResponse: rawJSON,
		CreatedAt:           now,
	}
}

func buildParts(req Request) []llm.Part {
	var parts []llm.Part
	if strings.TrimSpace(req.Prompt) != "" {
		parts = append(parts, llm.TextPart(req.Prompt))
	}
	return append(parts, llm.AttachmentParts(req.Attachments)...)
}

// memoryText is the user turn kept in memory. Attachment bytes are not
// stored, only a marker of their type.
func memoryText(req Request) string {
	text := req.Prompt
	for _, att := range req.Attachments {
		marker := "[attachment: " + att.MIMEType + "]"
		if text == "" {
			text = marker
		} else {
			text += " " + marker
		}
	}
	return text
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrAllCredentialsFailed):
		return "all_failed"
	case errors.Is(err, keypool.ErrNoCredentialsAvailable):
		return "no_credentials"
	}
	return "error"
}
