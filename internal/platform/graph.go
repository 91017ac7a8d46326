package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/relaydesk/relaydesk/pkg/models"
)

// graphClient talks to the Meta Graph API on behalf of an integration.
type graphClient struct {
	baseURL string
	version string
	client  *http.Client
	agents  *UserAgents
}

func newGraphClient(baseURL, version string, client *http.Client, agents *UserAgents) *graphClient {
	return &graphClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		version: version,
		client:  client,
		agents:  agents,
	}
}

// graphError is the {"error": {...}} envelope Graph returns on failure.
type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (g *graphClient) endpoint(path string, query url.Values) string {
	u := fmt.Sprintf("%s/%s/%s", g.baseURL, g.version, strings.TrimLeft(path, "/"))
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// post sends body as JSON and returns the raw response.
func (g *graphClient) post(ctx context.Context, integ *models.PlatformIntegration, path string, query url.Values, bearer bool, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal graph request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint(path, query), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build graph request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return g.do(req, integ, bearer)
}

// get fetches path and returns the raw response.
func (g *graphClient) get(ctx context.Context, integ *models.PlatformIntegration, path string, query url.Values, bearer bool) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint(path, query), nil)
	if err != nil {
		return nil, fmt.Errorf("build graph request: %w", err)
	}
	return g.do(req, integ, bearer)
}

func (g *graphClient) do(req *http.Request, integ *models.PlatformIntegration, bearer bool) (json.RawMessage, error) {
	req.Header.Set("User-Agent", g.agents.For(integ))
	if bearer {
		req.Header.Set("Authorization", "Bearer "+integ.Credentials.Token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read graph response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ge graphError
		if json.Unmarshal(raw, &ge) == nil && ge.Error.Message != "" {
			return nil, fmt.Errorf("graph HTTP %d (code %d): %s", resp.StatusCode, ge.Error.Code, ge.Error.Message)
		}
		return nil, fmt.Errorf("graph HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.RawMessage(raw), nil
}
