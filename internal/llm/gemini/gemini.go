// Package gemini implements llm.Client on the Google Gen AI SDK.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/relaydesk/relaydesk/internal/llm"
	"github.com/relaydesk/relaydesk/pkg/models"
	"google.golang.org/genai"
)

// DefaultModel is used when neither the config nor the session names one.
const DefaultModel = "gemini-2.0-flash"

// ErrEmptyResponse is returned when the model answers with neither text nor tool calls.
var ErrEmptyResponse = errors.New("gemini: empty response")

// Config holds client-wide settings. The API key is per session.
type Config struct {
	Model string
	// BaseURL overrides the Gemini API endpoint (tests, proxies).
	BaseURL    string
	HTTPClient *http.Client
}

// Client creates one genai client per session so every session is bound to
// exactly one credential.
type Client struct {
	cfg Config
}

// New creates a Gemini-backed llm.Client.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Client{cfg: cfg}
}

// NewSession implements llm.Client.
func (c *Client) NewSession(ctx context.Context, sc llm.SessionConfig) (llm.Session, error) {
	if sc.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:     sc.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.cfg.HTTPClient,
	}
	if c.cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: c.cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}

	model := sc.Model
	if model == "" {
		model = c.cfg.Model
	}

	config := &genai.GenerateContentConfig{
		Tools: convertTools(sc.Tools),
	}
	if strings.TrimSpace(sc.SystemPrompt) != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: sc.SystemPrompt}},
		}
	}

	return &session{
		client:  client,
		model:   model,
		config:  config,
		history: convertHistory(sc.History),
	}, nil
}

type session struct {
	client  *genai.Client
	model   string
	config  *genai.GenerateContentConfig
	history []*genai.Content
}

// Send implements llm.Session. On error the history is left unchanged.
func (s *session) Send(ctx context.Context, parts []llm.Part) (*llm.Response, error) {
	content := &genai.Content{Role: genai.RoleUser}
	for _, p := range parts {
		if gp := convertPart(p); gp != nil {
			content.Parts = append(content.Parts, gp)
		}
	}
	if len(content.Parts) == 0 {
		return nil, errors.New("gemini: nothing to send")
	}

	contents := append(append([]*genai.Content(nil), s.history...), content)
	resp, err := s.client.Models.GenerateContent(ctx, s.model, contents, s.config)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate content: %w", err)
	}

	out := &llm.Response{}
	if raw, err := json.Marshal(resp); err == nil {
		out.Raw = raw
	}

	var reply *genai.Content
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		reply = cand.Content
		break
	}
	if reply == nil {
		return nil, ErrEmptyResponse
	}

	var text strings.Builder
	for _, part := range reply.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" && !part.Thought {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:   part.FunctionCall.ID,
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			})
		}
	}
	out.Text = strings.TrimSpace(text.String())
	if out.Text == "" && len(out.ToolCalls) == 0 {
		return nil, ErrEmptyResponse
	}

	if reply.Role == "" {
		reply.Role = genai.RoleModel
	}
	s.history = append(contents, reply)
	return out, nil
}

func convertHistory(turns []models.Turn) []*genai.Content {
	out := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		if t.Content == "" {
			continue
		}
		c := &genai.Content{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: t.Content}},
		}
		if t.Role == models.RoleModel {
			c.Role = genai.RoleModel
		}
		out = append(out, c)
	}
	return out
}

func convertPart(p llm.Part) *genai.Part {
	switch {
	case p.ToolResult != nil:
		return &genai.Part{
			FunctionResponse: &genai.FunctionResponse{
				ID:       p.ToolResult.CallID,
				Name:     p.ToolResult.Name,
				Response: map[string]any{"output": p.ToolResult.Content},
			},
		}
	case p.InlineData != nil:
		return &genai.Part{
			InlineData: &genai.Blob{
				MIMEType: p.InlineData.MIMEType,
				Data:     p.InlineData.Data,
			},
		}
	case p.Text != "":
		return &genai.Part{Text: p.Text}
	}
	return nil
}

func convertTools(tools []llm.Tool) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		schema := &genai.Schema{
			Type:       genai.TypeObject,
			Properties: make(map[string]*genai.Schema, len(t.Params)),
		}
		for _, p := range t.Params {
			schema.Properties[p.Name] = &genai.Schema{Type: genai.TypeString, Description: p.Description}
			if p.Required {
				schema.Required = append(schema.Required, p.Name)
			}
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schema,
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}
