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
)

// AzureDefaultAPIVersion is the Azure OpenAI REST api-version.
const AzureDefaultAPIVersion = "2024-02-01"

// AzureConfig contains configuration for the Azure OpenAI adapter.
type AzureConfig struct {
	APIKey            string
	Endpoint          string // Required: https://<resource>.openai.azure.com
	Deployment        string // Optional: default deployment when the model carries none
	APIVersion        string
	Timeout           time.Duration
	RequestsPerMinute int
	TokensPerMinute   int
}

// AzureProvider implements the Provider interface for Azure OpenAI Service.
// The wire format is OpenAI's; the endpoint is per-deployment and the key
// travels in the api-key header. Models route as "azure/<deployment>".
type AzureProvider struct {
	apiKey     string
	endpoint   string
	deployment string
	apiVersion string
	client     HTTPClient
	rates      *RateAccountant
	healthy    bool
	mu         sync.RWMutex
}

// NewAzureProvider creates a new Azure OpenAI adapter.
func NewAzureProvider(cfg AzureConfig) (*AzureProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("azure API key is required")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("azure endpoint is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = AzureDefaultAPIVersion
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = OpenAIDefaultTimeout
	}

	return &AzureProvider{
		apiKey:     cfg.APIKey,
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		deployment: cfg.Deployment,
		apiVersion: cfg.APIVersion,
		client:     &http.Client{Timeout: cfg.Timeout},
		rates:      NewRateAccountant(cfg.RequestsPerMinute, cfg.TokensPerMinute),
		healthy:    true,
	}, nil
}

// Name returns the provider name.
func (p *AzureProvider) Name() string { return "azure-openai" }

// Type returns the provider type.
func (p *AzureProvider) Type() ProviderType { return ProviderTypeAzureOpenAI }

// RateLimitStatus reports the remaining upstream budget.
func (p *AzureProvider) RateLimitStatus() RateLimitStatus { return p.rates.Status() }

func (p *AzureProvider) setHealthy(healthy bool) {
	p.mu.Lock()
	p.healthy = healthy
	p.mu.Unlock()
}

// deploymentFor strips the "azure/" routing prefix from the model name.
func (p *AzureProvider) deploymentFor(model string) string {
	if d := strings.TrimPrefix(model, "azure/"); d != model && d != "" {
		return d
	}
	if p.deployment != "" {
		return p.deployment
	}
	return model
}

// HealthCheck probes the deployments listing endpoint.
func (p *AzureProvider) HealthCheck(ctx context.Context) bool {
	url := fmt.Sprintf("%s/openai/deployments?api-version=%s", p.endpoint, p.apiVersion)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("api-key", p.apiKey)

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

// Call forwards the request to the deployment's chat completions endpoint.
func (p *AzureProvider) Call(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := p.rates.Acquire(p.Name(), EstimateTokens(req)); err != nil {
		return nil, err
	}

	apiReq := openAIRequest{
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

	url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		p.endpoint, p.deploymentFor(req.Model), p.apiVersion)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", p.apiKey)

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

	var apiResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	out := &ChatResponse{
		ID:      apiResp.ID,
		Object:  "chat.completion",
		Created: apiResp.Created,
		Model:   req.Model,
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
