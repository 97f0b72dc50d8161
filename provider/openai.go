// Copyright 2025 ModelGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	// OpenAIDefaultBaseURL is the default OpenAI API endpoint.
	OpenAIDefaultBaseURL = "https://api.openai.com"

	// OpenAIDefaultTimeout is the default HTTP timeout.
	OpenAIDefaultTimeout = 120 * time.Second
)

// OpenAIConfig contains configuration for the OpenAI adapter.
type OpenAIConfig struct {
	APIKey            string        // Required: OpenAI API key
	BaseURL           string        // Optional: API base URL
	Timeout           time.Duration // Optional: HTTP timeout (default: 120s)
	RequestsPerMinute int           // Optional: local rate-limit seed
	TokensPerMinute   int           // Optional: local rate-limit seed
}

// OpenAIProvider implements the Provider interface for the OpenAI API.
// The canonical request dialect is OpenAI-shaped, so translation is thin.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	client  HTTPClient
	rates   *RateAccountant
	healthy bool
	mu      sync.RWMutex
}

// NewOpenAIProvider creates a new OpenAI adapter.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = OpenAIDefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = OpenAIDefaultTimeout
	}

	return &OpenAIProvider{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		timeout: cfg.Timeout,
		client:  &http.Client{Timeout: cfg.Timeout},
		rates:   NewRateAccountant(cfg.RequestsPerMinute, cfg.TokensPerMinute),
		healthy: true,
	}, nil
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string { return "openai" }

// Type returns the provider type.
func (p *OpenAIProvider) Type() ProviderType { return ProviderTypeOpenAI }

// RateLimitStatus reports the remaining upstream budget.
func (p *OpenAIProvider) RateLimitStatus() RateLimitStatus { return p.rates.Status() }

func (p *OpenAIProvider) setHealthy(healthy bool) {
	p.mu.Lock()
	p.healthy = healthy
	p.mu.Unlock()
}

// HealthCheck probes the models endpoint with the configured credentials.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/v1/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		p.setHealthy(false)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	ok := resp.StatusCode == http.StatusOK
	p.setHealthy(ok)
	return ok
}

// openAI wire types. The canonical dialect is already OpenAI-shaped, but the
// wire struct is kept separate so canonical-only fields never leak upstream.
type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	User        string          `json:"user,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int           `json:"index"`
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Call forwards the request to the chat completions endpoint.
func (p *OpenAIProvider) Call(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := p.rates.Acquire(p.Name(), EstimateTokens(req)); err != nil {
		return nil, err
	}

	apiReq := openAIRequest{
		Model:       req.Model,
		Messages:    make([]openAIMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		User:        req.User,
	}
	for _, m := range req.Messages {
		apiReq.Messages = append(apiReq.Messages, openAIMessage{Role: string(m.Role), Content: m.Content})
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.setHealthy(false)
		return nil, &Error{Provider: p.Name(), Code: ErrCodeUnavailable, Message: err.Error(), Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	p.rates.ObserveHeaders(resp.Header)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			p.setHealthy(false)
		}
		return nil, p.parseAPIError(resp.StatusCode, resp.Header, body)
	}

	p.setHealthy(true)

	var apiResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	out := &ChatResponse{
		ID:      apiResp.ID,
		Object:  "chat.completion",
		Created: apiResp.Created,
		Model:   apiResp.Model,
		Usage: Usage{
			PromptTokens:     apiResp.Usage.PromptTokens,
			CompletionTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
	}
	for _, c := range apiResp.Choices {
		out.Choices = append(out.Choices, Choice{
			Index:        c.Index,
			Message:      Message{Role: Role(c.Message.Role), Content: c.Message.Content},
			FinishReason: NormalizeFinishReason(c.FinishReason),
		})
	}
	return out, nil
}

// parseAPIError parses an OpenAI error response body.
func (p *OpenAIProvider) parseAPIError(statusCode int, header http.Header, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	e := statusToError(p.Name(), statusCode, string(body))
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		e.Message = errResp.Error.Message
	}
	if retryAfter := header.Get("Retry-After"); retryAfter != "" {
		if secs, err := time.ParseDuration(retryAfter + "s"); err == nil {
			e.RetryAfter = secs
		}
	}
	return e
}
