package models

import (
	"encoding/json"
	"strings"
	"time"
)

// DefaultOwner is used when a request carries no owner.
const DefaultOwner = "default"

// ── Credential ───────────────────────────────────────────────

type CredentialStatus string

const (
	CredentialActive    CredentialStatus = "active"
	CredentialExhausted CredentialStatus = "exhausted"
	CredentialRevoked   CredentialStatus = "revoked"
)

// Valid reports whether s is a known credential status.
func (s CredentialStatus) Valid() bool {
	switch s {
	case CredentialActive, CredentialExhausted, CredentialRevoked:
		return true
	}
	return false
}

// Credential is a provider API key plus rotation metadata.
type Credential struct {
	ID         string           `json:"id" db:"id"`
	Label      string           `json:"label,omitempty" db:"label"`
	Secret     string           `json:"secret,omitempty" db:"secret"`
	Status     CredentialStatus `json:"status" db:"status"`
	LastUsedAt *time.Time       `json:"last_used_at,omitempty" db:"last_used_at"`
	OwnerID    string           `json:"owner_id" db:"owner_id"`
	CreatedAt  time.Time        `json:"created_at" db:"created_at"`
}

// Masked returns a copy safe to hand to API clients.
func (c Credential) Masked() Credential {
	c.Secret = MaskSecret(c.Secret)
	return c
}

// MaskSecret keeps the last four characters of a secret.
func MaskSecret(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", 8) + s[len(s)-4:]
}

// ── Persona ──────────────────────────────────────────────────

// Persona is a named system prompt. At most one persona per owner is active.
type Persona struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	SystemPrompt string    `json:"system_prompt" db:"system_prompt"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	OwnerID      string    `json:"owner_id" db:"owner_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// ── Conversation memory ──────────────────────────────────────

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one role-tagged message of a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ConversationMemory is the bounded chat history for one chat key.
type ConversationMemory struct {
	ID        string    `json:"id" db:"id"`
	ChatKey   string    `json:"chat_key" db:"chat_key"`
	Turns     []Turn    `json:"turns"`
	OwnerID   string    `json:"owner_id" db:"owner_id"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ChatKey builds the composite platform:chatID key that scopes memory.
func ChatKey(platform Platform, chatID string) string {
	return string(platform) + ":" + chatID
}

// LastTurns returns at most n of the newest turns, oldest first.
func LastTurns(turns []Turn, n int) []Turn {
	if n <= 0 || len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}

// ── Audit log ────────────────────────────────────────────────

// AuditLogEntry records one successful completion. Append-only.
type AuditLogEntry struct {
	ID                  string          `json:"id" db:"id"`
	OwnerID             string          `json:"owner_id" db:"owner_id"`
	ChatKey             string          `json:"chat_key,omitempty" db:"chat_key"`
	CredentialIDUsed    string          `json:"credential_id_used" db:"credential_id_used"`
	RequestPayload      json.RawMessage `json:"request_payload"`
	ResponsePayload     json.RawMessage `json:"response_payload"`
	RawProviderResponse json.RawMessage `json:"raw_provider_response,omitempty"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
}

// AuditFilter provides query options for listing audit entries.
type AuditFilter struct {
	OwnerID      string
	CredentialID string
	ChatKey      string
	Before       time.Time // only entries created strictly before, when set
	Limit        int
}

// ── Platforms ────────────────────────────────────────────────

type Platform string

const (
	PlatformTelegram   Platform = "telegram"
	PlatformWhatsApp   Platform = "whatsapp"
	PlatformMessenger  Platform = "messenger"
	PlatformPlayground Platform = "playground"
)

// Platforms lists the webhook-backed platforms.
func Platforms() []Platform {
	return []Platform{PlatformTelegram, PlatformWhatsApp, PlatformMessenger}
}

// ParsePlatform maps a string to a webhook platform.
func ParsePlatform(s string) (Platform, bool) {
	for _, p := range Platforms() {
		if string(p) == strings.ToLower(strings.TrimSpace(s)) {
			return p, true
		}
	}
	return "", false
}

type IntegrationStatus string

const (
	IntegrationActive   IntegrationStatus = "active"
	IntegrationInactive IntegrationStatus = "inactive"
	IntegrationError    IntegrationStatus = "error"
)

// IntegrationCredentials holds the per-platform secrets of an integration.
//
//   - Telegram: Token (bot token), Secret (webhook secret token)
//   - WhatsApp: Token (access token), PhoneNumberID, VerifyToken, Secret (app secret)
//   - Messenger: Token (page access token), PageID, VerifyToken, Secret (app secret)
type IntegrationCredentials struct {
	Token         string `json:"token,omitempty"`
	Secret        string `json:"secret,omitempty"`
	VerifyToken   string `json:"verify_token,omitempty"`
	PhoneNumberID string `json:"phone_number_id,omitempty"`
	PageID        string `json:"page_id,omitempty"`
}

// PlatformIntegration binds a chat platform account to an owner.
type PlatformIntegration struct {
	ID             string                 `json:"id" db:"id"`
	Name           string                 `json:"name" db:"name"`
	Platform       Platform               `json:"platform" db:"platform"`
	Credentials    IntegrationCredentials `json:"credentials"`
	Status         IntegrationStatus      `json:"status" db:"status"`
	TypingDelayMin int                    `json:"typing_delay_min" db:"typing_delay_min"` // ms
	TypingDelayMax int                    `json:"typing_delay_max" db:"typing_delay_max"` // ms
	UserAgent      string                 `json:"user_agent,omitempty" db:"user_agent"`
	OwnerID        string                 `json:"owner_id" db:"owner_id"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at" db:"updated_at"`
}

// Masked returns a copy with secrets hidden.
func (p PlatformIntegration) Masked() PlatformIntegration {
	p.Credentials.Token = MaskSecret(p.Credentials.Token)
	p.Credentials.Secret = MaskSecret(p.Credentials.Secret)
	p.Credentials.VerifyToken = MaskSecret(p.Credentials.VerifyToken)
	return p
}

// ── Contacts ─────────────────────────────────────────────────

// Contact is the identity of a chat user as seen on one platform.
type Contact struct {
	ID           string    `json:"id" db:"id"`
	OwnerID      string    `json:"owner_id" db:"owner_id"`
	Platform     Platform  `json:"platform" db:"platform"`
	SenderID     string    `json:"sender_id" db:"sender_id"`
	ChatID       string    `json:"chat_id" db:"chat_id"`
	DisplayName  string    `json:"display_name,omitempty" db:"display_name"`
	MessageCount int       `json:"message_count" db:"message_count"`
	FirstSeenAt  time.Time `json:"first_seen_at" db:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at" db:"last_seen_at"`
}

// ── Canonical messages ───────────────────────────────────────

type MediaType string

const (
	MediaImage    MediaType = "image"
	MediaVideo    MediaType = "video"
	MediaAudio    MediaType = "audio"
	MediaDocument MediaType = "document"
)

// IncomingMessage is the platform-agnostic form of an inbound user message.
// For Telegram and WhatsApp MediaURL holds the platform media id.
type IncomingMessage struct {
	Platform      Platform        `json:"platform"`
	IntegrationID string          `json:"integration_id"`
	ChatID        string          `json:"chat_id"`
	MessageID     string          `json:"message_id"`
	SenderID      string          `json:"sender_id"`
	SenderName    string          `json:"sender_name,omitempty"`
	Content       string          `json:"content"`
	MediaType     MediaType       `json:"media_type,omitempty"`
	MediaURL      string          `json:"media_url,omitempty"`
	MediaMIMEType string          `json:"media_mime_type,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	RawPayload    json.RawMessage `json:"raw_payload,omitempty"`
}

// HasMedia reports whether the message references an attachment.
func (m *IncomingMessage) HasMedia() bool {
	return m.MediaType != "" && m.MediaURL != ""
}

// OutgoingMessage is the platform-agnostic form of a reply.
type OutgoingMessage struct {
	ChatID           string    `json:"chat_id"`
	Content          string    `json:"content"`
	MediaURL         string    `json:"media_url,omitempty"`
	MediaType        MediaType `json:"media_type,omitempty"`
	ReplyToMessageID string    `json:"reply_to_message_id,omitempty"`
}

// Attachment is an inlined binary payload handed to the provider.
type Attachment struct {
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"data"`
}
