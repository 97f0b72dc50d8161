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
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/google/uuid"
)

// BedrockInvoker is the subset of the Bedrock runtime client used by the
// adapter (enables testing).
type BedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockConfig contains configuration for the AWS Bedrock adapter.
type BedrockConfig struct {
	Region            string // Required: AWS region (credentials come from the default chain)
	RequestsPerMinute int
	TokensPerMinute   int
}

// BedrockProvider implements the Provider interface for AWS Bedrock managed
// models. Models route as "bedrock/<model-id>". Every model id is sent the
// Anthropic Messages payload schema; other model families' native request
// bodies are not produced.
type BedrockProvider struct {
	client BedrockInvoker
	region string
	rates  *RateAccountant
}

// NewBedrockProvider creates a Bedrock adapter using the default AWS
// credential chain (IAM role, environment, shared config).
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("bedrock region is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &BedrockProvider{
		client: bedrockruntime.NewFromConfig(awsCfg),
		region: cfg.Region,
		rates:  NewRateAccountant(cfg.RequestsPerMinute, cfg.TokensPerMinute),
	}, nil
}

// NewBedrockProviderFromClient wraps an existing client (used by tests).
func NewBedrockProviderFromClient(client BedrockInvoker, cfg BedrockConfig) *BedrockProvider {
	return &BedrockProvider{
		client: client,
		region: cfg.Region,
		rates:  NewRateAccountant(cfg.RequestsPerMinute, cfg.TokensPerMinute),
	}
}

// Name returns the provider name.
func (p *BedrockProvider) Name() string { return "bedrock" }

// Type returns the provider type.
func (p *BedrockProvider) Type() ProviderType { return ProviderTypeBedrock }

// RateLimitStatus reports the remaining local budget. Bedrock does not
// return rate-limit headers, so only the seeded buckets apply.
func (p *BedrockProvider) RateLimitStatus() RateLimitStatus { return p.rates.Status() }

// HealthCheck reports true when a client is configured. Bedrock has no
// cheap unauthenticated probe; call failures trip the circuit breaker.
func (p *BedrockProvider) HealthCheck(ctx context.Context) bool {
	return p.client != nil
}

// bedrockClaudeRequest is the Anthropic Messages schema used by Claude
// models on Bedrock.
type bedrockClaudeRequest struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	Messages         []anthropicMessage `json:"messages"`
	System           string             `json:"system,omitempty"`
	Temperature      *float64           `json:"temperature,omitempty"`
}

type bedrockClaudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Call invokes the model through the Bedrock runtime.
func (p *BedrockProvider) Call(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := p.rates.Acquire(p.Name(), EstimateTokens(req)); err != nil {
		return nil, err
	}

	modelID := strings.TrimPrefix(req.Model, "bedrock/")

	maxTokens := AnthropicDefaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	payload := bedrockClaudeRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		System:           req.SystemPrompt(),
		Temperature:      req.Temperature,
	}
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			continue
		}
		payload.Messages = append(payload.Messages, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, &Error{Provider: p.Name(), Code: ErrCodeUnavailable, Message: err.Error(), Cause: err}
	}

	var apiResp bedrockClaudeResponse
	if err := json.Unmarshal(out.Body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	var contentBuilder strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			contentBuilder.WriteString(block.Text)
		}
	}

	return &ChatResponse{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
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
