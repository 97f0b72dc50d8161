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
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// AnthropicDefaultBaseURL is the default Anthropic API endpoint.
	AnthropicDefaultBaseURL = "https://api.anthropic.com"

	// AnthropicAPIVersion is the Anthropic API version header value.
	AnthropicAPIVersion = "2023-06-01"

	// AnthropicDefaultMaxTokens is used when the request does not set one;
	// the Anthropic API requires max_tokens.
	AnthropicDefaultMaxTokens = 4096
)

// AnthropicConfig contains configuration for the Anthropic adapter.
type AnthropicConfig struct {
	APIKey            string
	BaseURL           string
	APIVersion        string
	Timeout           time.Duration
	RequestsPerMinute int
	TokensPerMinute   int
}

// AnthropicProvider implements the Provider interface for Anthropic's
// Messages API. System messages move to the top-level system field;
// stop reasons normalize end_turn/max_tokens to the canonical set.
type AnthropicProvider struct {
	apiKey     string
	baseURL    string
	apiVersion string
	timeout    time.Duration
	client     HTTPClient
	rates      *RateAccountant
	healthy    bool
	mu         sync.RWMutex
}

// NewAnthropicProvider creates a new Anthropic adapter.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = AnthropicDefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = AnthropicAPIVersion
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = OpenAIDefaultTimeout
	}

	return &AnthropicProvider{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		apiVersion: cfg.APIVersion,
		timeout:    cfg.Timeout,
		client:     &http.Client{Timeout: cfg.Timeout},
		rates:      NewRateAccountant(cfg.RequestsPerMinute, cfg.TokensPerMinute),
		healthy:    true,
	}, nil
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Type returns the provider type.
func (p *AnthropicProvider) Type() ProviderType { return ProviderTypeAnthropic }

// RateLimitStatus reports the remaining upstream budget.
func (p *AnthropicProvider) RateLimitStatus() RateLimitStatus { return p.rates.Status() }

func (p *AnthropicProvider) setHealthy(healthy bool) {
	p.mu.Lock()
	p.healthy = healthy
	p.mu.Unlock()
}

// HealthCheck issues a minimal one-token message request.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) bool {
	probe := anthropicRequest{
		Model:     "claude-3-5-haiku-20241022",
		MaxTokens: 1,
		Messages:  []anthropicMessage{{Role: "user", Content: "ping"}},
	}
	body, _ := json.Marshal(probe)

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/messages", bytes.NewBuffer(body))
	if err != nil {
		return false
	}
	p.setHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		p.setHealthy(false)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	ok := resp.StatusCode < 500
	p.setHealthy(ok)
	return ok
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Call forwards the request to the Messages API.
func (p *AnthropicProvider) Call(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := p.rates.Acquire(p.Name(), EstimateTokens(req)); err != nil {
		return nil, err
	}

	maxTokens := AnthropicDefaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	apiReq := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      req.SystemPrompt(),
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			continue // carried in the system field
		}
		apiReq.Messages = append(apiReq.Messages, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/messages", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(httpReq)

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
		return nil, p.parseAPIError(resp.StatusCode, body)
	}

	p.setHealthy(true)

	var apiResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	var contentBuilder strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			contentBuilder.WriteString(block.Text)
		}
	}

	id := apiResp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.New().String()
	}

	return &ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   apiResp.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: RoleAssistant, Content: contentBuilder.String()},
			FinishReason: NormalizeFinishReason(apiResp.StopReason),
		}},
		Usage: Usage{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
	}, nil
}

// setHeaders sets the required headers for Anthropic API requests.
func (p *AnthropicProvider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", p.apiVersion)
}

// parseAPIError parses an Anthropic error response body.
func (p *AnthropicProvider) parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	e := statusToError(p.Name(), statusCode, string(body))
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		e.Message = errResp.Error.Message
		if errResp.Error.Type == "rate_limit_error" {
			e.Code = ErrCodeRateLimit
		}
		if errResp.Error.Type == "overloaded_error" {
			e.Code = ErrCodeUnavailable
		}
	}
	return e
}
