// Package llm defines the provider-neutral chat session used by the
// completion engine. Concrete providers live in subpackages.
package llm

import (
	"context"
	"encoding/json"

	"github.com/relaydesk/relaydesk/pkg/models"
)

// Client opens chat sessions scoped to one credential.
type Client interface {
	NewSession(ctx context.Context, cfg SessionConfig) (Session, error)
}

// Session is a stateful exchange. Each Send appends the parts and the
// provider's answer to the running history, so a follow-up carrying tool
// results continues the same exchange.
type Session interface {
	Send(ctx context.Context, parts []Part) (*Response, error)
}

// SessionConfig scopes a session.
type SessionConfig struct {
	APIKey       string
	Model        string
	SystemPrompt string
	Tools        []Tool
	History      []models.Turn
}

// Part is one piece of a message. Exactly one field is set.
type Part struct {
	Text       string
	InlineData *Blob
	ToolResult *ToolResult
}

// Blob is inline binary content.
type Blob struct {
	MIMEType string
	Data     []byte
}

// ToolResult answers one ToolCall.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
}

// ToolCall is a structured request from the model to run a declared tool.
type ToolCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Response is the model's answer to one Send.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	// Raw is the provider's response payload, kept for the audit log.
	Raw json.RawMessage
}

// Tool declares a function the model may call.
type Tool struct {
	Name        string
	Description string
	Params      []Param
}

// Param is one string-typed tool argument.
type Param struct {
	Name        string
	Description string
	Required    bool
}

// TextPart is shorthand for a text-only part.
func TextPart(s string) Part { return Part{Text: s} }

// AttachmentParts converts attachments into inline parts.
func AttachmentParts(atts []models.Attachment) []Part {
	parts := make([]Part, 0, len(atts))
	for _, a := range atts {
		if len(a.Data) == 0 {
			continue
		}
		parts = append(parts, Part{InlineData: &Blob{MIMEType: a.MIMEType, Data: a.Data}})
	}
	return parts
}
