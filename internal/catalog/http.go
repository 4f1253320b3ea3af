package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPProvider talks to a tool provider over its HTTP surface:
// GET /tools for discovery and POST /invoke for execution.
type HTTPProvider struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPProvider builds a provider client. A zero timeout leaves call
// deadlines entirely to the caller's context.
func NewHTTPProvider(name, baseURL string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Name() string { return p.name }

// ListTools fetches the provider's tool descriptors.
func (p *HTTPProvider) ListTools(ctx context.Context) ([]Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/tools", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing tools from %s: %w", p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing tools from %s: unexpected status %d", p.name, resp.StatusCode)
	}
	var raw struct {
		Tools []Descriptor `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding tool list from %s: %w", p.name, err)
	}
	return raw.Tools, nil
}

// Invoke executes one tool call and returns the raw response body.
// Non-2xx responses become errors carrying any body text the provider
// sent.
func (p *HTTPProvider) Invoke(ctx context.Context, tool string, args map[string]any) (string, error) {
	payload, err := json.Marshal(map[string]any{"tool": tool, "arguments": args})
	if err != nil {
		return "", fmt.Errorf("encoding arguments for %s: %w", tool, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/invoke", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("invoking %s on %s: %w", tool, p.name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading %s response from %s: %w", tool, p.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("invoking %s on %s: status %d: %s", tool, p.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}
