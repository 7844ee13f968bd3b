// Package toolprovider defines the generic "named external tool" surface
// that market-data, safety, and trader integrations are all modeled as:
// a set of JSON-schema-described callables, invoked by name with a JSON
// argument object and returning a JSON result object.
package toolprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ToolSpec describes one callable tool the way a JSON-schema-driven
// function-calling surface would: a name, a human description, and the
// JSON-schema "properties"/"required" pair used to synthesize arguments.
type ToolSpec struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

// Provider exposes a fixed set of named tools and a way to invoke them.
// Market-data providers, safety providers, and trader providers are all
// Providers; the trader provider is simply the one whose tool set is
// resolved dynamically at startup rather than known in advance.
type Provider interface {
	Tools() []ToolSpec
	Call(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// HTTPProvider is a Provider backed by a single JSON-over-HTTP endpoint
// that accepts {"tool": name, "arguments": args} and returns a JSON
// object result, or a JSON object with an "error" field on failure.
type HTTPProvider struct {
	BaseURL    string
	httpClient *http.Client
	tools      []ToolSpec
}

// NewHTTPProvider builds a provider with a bounded request timeout, in the
// same style as the teacher's own fixed-timeout HTTP clients.
func NewHTTPProvider(baseURL string, tools []ToolSpec, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		BaseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		tools:      tools,
	}
}

// Tools returns the statically configured tool set.
func (p *HTTPProvider) Tools() []ToolSpec {
	return p.tools
}

type callRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

type callResponse struct {
	Result map[string]any `json:"result"`
	Error  string         `json:"error"`
}

// Call POSTs the tool invocation and decodes the JSON result.
func (p *HTTPProvider) Call(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	body, err := json.Marshal(callRequest{Tool: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("encode tool call %s: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build tool call request %s: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read tool response %s: %w", name, err)
	}

	if resp.StatusCode >= 400 {
		log.Debug().Str("tool", name).Int("status", resp.StatusCode).Str("body", string(raw)).Msg("tool call returned an error status")
		return nil, fmt.Errorf("tool %s returned HTTP %d: %s", name, resp.StatusCode, string(raw))
	}

	var decoded callResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode tool response %s: %w", name, err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("tool %s reported an error: %s", name, decoded.Error)
	}
	return decoded.Result, nil
}

// ResolveByName returns the tool whose name exactly matches one of the
// preferred names, in preference order, then falls back to the first tool
// whose name contains any of fallbackSubstrings. Used by the trader's
// method-resolution step.
func ResolveByName(tools []ToolSpec, preferred []string, fallbackSubstrings ...string) (string, bool) {
	byName := make(map[string]bool, len(tools))
	for _, t := range tools {
		byName[t.Name] = true
	}
	for _, name := range preferred {
		if byName[name] {
			return name, true
		}
	}
	for _, t := range tools {
		lowered := strings.ToLower(t.Name)
		for _, sub := range fallbackSubstrings {
			if strings.Contains(lowered, strings.ToLower(sub)) {
				return t.Name, true
			}
		}
	}
	return "", false
}
