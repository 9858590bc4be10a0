package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Completion is one LLM call result. CostUnits is the credit cost the
// provider contract attributes to the call; the core only needs that figure
// to build a usage entry.
type Completion struct {
	Text       string `json:"text"`
	TokensUsed int64  `json:"tokens_used"`
	CostUnits  int64  `json:"cost_units"`
}

// LLMClient is the external text-generation provider contract.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (*Completion, error)
}

// Render is one image-generation call result.
type Render struct {
	URL       string `json:"url"`
	CostUnits int64  `json:"cost_units"`
}

// ImageClient is the external image-generation provider contract.
type ImageClient interface {
	Render(ctx context.Context, prompt, aspectRatio string) (*Render, error)
}

// Clients bundles the provider clients injected into work functions.
type Clients struct {
	LLM   LLMClient
	Image ImageClient
}

const providerCallTimeout = 60 * time.Second

// HTTPLLMClient calls a JSON completion endpoint.
type HTTPLLMClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewHTTPLLMClient(baseURL, apiKey string) *HTTPLLMClient {
	return &HTTPLLMClient{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: providerCallTimeout},
	}
}

func (c *HTTPLLMClient) Complete(ctx context.Context, prompt string) (*Completion, error) {
	var out Completion
	if err := c.postJSON(ctx, c.BaseURL+"/v1/complete", map[string]string{"prompt": prompt}, &out); err != nil {
		return nil, fmt.Errorf("llm complete: %w", err)
	}
	return &out, nil
}

func (c *HTTPLLMClient) postJSON(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("provider returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// HTTPImageClient calls a JSON image-render endpoint.
type HTTPImageClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewHTTPImageClient(baseURL, apiKey string) *HTTPImageClient {
	return &HTTPImageClient{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: providerCallTimeout},
	}
}

func (c *HTTPImageClient) Render(ctx context.Context, prompt, aspectRatio string) (*Render, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt, "aspect_ratio": aspectRatio})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/render", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image render: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("image render: provider returned status %d", resp.StatusCode)
	}
	var out Render
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("image render: %w", err)
	}
	return &out, nil
}
