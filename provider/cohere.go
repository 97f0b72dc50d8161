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

	"github.com/google/uuid"
)

// CohereDefaultBaseURL is the default Cohere API endpoint.
const CohereDefaultBaseURL = "https://api.cohere.com"

// CohereConfig contains configuration for the Cohere adapter.
type CohereConfig struct {
	APIKey            string
	BaseURL           string
	Timeout           time.Duration
	RequestsPerMinute int
	TokensPerMinute   int
}

// CohereProvider implements the Provider interface for Cohere's chat API.
// The conversation splits into a current message plus chat_history; system
// messages become the preamble.
type CohereProvider struct {
	apiKey  string
	baseURL string
	client  HTTPClient
	rates   *RateAccountant
	healthy bool
	mu      sync.RWMutex
}

// NewCohereProvider creates a new Cohere adapter.
func NewCohereProvider(cfg CohereConfig) (*CohereProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("cohere API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = CohereDefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = OpenAIDefaultTimeout
	}

	return &CohereProvider{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		rates:   NewRateAccountant(cfg.RequestsPerMinute, cfg.TokensPerMinute),
		healthy: true,
	}, nil
}

// Name returns the provider name.
func (p *CohereProvider) Name() string { return "cohere" }

// Type returns the provider type.
func (p *CohereProvider) Type() ProviderType { return ProviderTypeCohere }

// RateLimitStatus reports the remaining upstream budget.
func (p *CohereProvider) RateLimitStatus() RateLimitStatus { return p.rates.Status() }

func (p *CohereProvider) setHealthy(healthy bool) {
	p.mu.Lock()
	p.healthy = healthy
	p.mu.Unlock()
}

// HealthCheck probes the models endpoint.
func (p *CohereProvider) HealthCheck(ctx context.Context) bool {
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

type cohereRequest struct {
	Model       string              `json:"model"`
	Message     string              `json:"message"`
	ChatHistory []cohereHistoryTurn `json:"chat_history,omitempty"`
	Preamble    string              `json:"preamble,omitempty"`
	Temperature *float64            `json:"temperature,omitempty"`
	MaxTokens   *int                `json:"max_tokens,omitempty"`
}

type cohereHistoryTurn struct {
	Role    string `json:"role"` // "USER" or "CHATBOT"
	Message string `json:"message"`
}

type cohereResponse struct {
	Text         string `json:"text"`
	GenerationID string `json:"generation_id"`
	FinishReason string `json:"finish_reason"`
	Meta         struct {
		BilledUnits struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"billed_units"`
	} `json:"meta"`
}

// Call forwards the request to the chat endpoint.
func (p *CohereProvider) Call(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := p.rates.Acquire(p.Name(), EstimateTokens(req)); err != nil {
		return nil, err
	}

	apiReq := cohereRequest{
		Model:       req.Model,
		Message:     req.Prompt(),
		Preamble:    req.SystemPrompt(),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	// Everything before the last user message becomes history.
	lastUser := -1
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			lastUser = i
			break
		}
	}
	for i, m := range req.Messages {
		if i == lastUser || m.Role == RoleSystem {
			continue
		}
		role := "USER"
		if m.Role == RoleAssistant {
			role = "CHATBOT"
		}
		apiReq.ChatHistory = append(apiReq.ChatHistory, cohereHistoryTurn{Role: role, Message: m.Content})
	}

	reqBody, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/chat", bytes.NewBuffer(reqBody))
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
		return nil, statusToError(p.Name(), resp.StatusCode, string(body))
	}

	p.setHealthy(true)

	var apiResp cohereResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	id := apiResp.GenerationID
	if id == "" {
		id = "chatcmpl-" + uuid.New().String()
	}

	inTokens := apiResp.Meta.BilledUnits.InputTokens
	outTokens := apiResp.Meta.BilledUnits.OutputTokens

	return &ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: RoleAssistant, Content: apiResp.Text},
			FinishReason: NormalizeFinishReason(apiResp.FinishReason),
		}},
		Usage: Usage{
			PromptTokens:     inTokens,
			CompletionTokens: outTokens,
			TotalTokens:      inTokens + outTokens,
		},
	}, nil
}
