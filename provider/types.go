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

// Package provider defines the unified interface and canonical types for LLM
// providers. The gateway speaks one OpenAI-shaped request/response dialect;
// each adapter translates to and from its provider's native wire format.
package provider

import (
	"fmt"
	"time"
)

// ProviderType identifies the type of LLM provider.
type ProviderType string

// Standard provider types supported out of the box.
const (
	// ProviderTypeOpenAI represents OpenAI's GPT models.
	ProviderTypeOpenAI ProviderType = "openai"

	// ProviderTypeAnthropic represents Anthropic's Claude models.
	ProviderTypeAnthropic ProviderType = "anthropic"

	// ProviderTypeGemini represents Google's Gemini models.
	ProviderTypeGemini ProviderType = "gemini"

	// ProviderTypeCohere represents Cohere's Command models.
	ProviderTypeCohere ProviderType = "cohere"

	// ProviderTypeAzureOpenAI represents Azure OpenAI Service deployments.
	ProviderTypeAzureOpenAI ProviderType = "azure-openai"

	// ProviderTypeBedrock represents AWS Bedrock managed models.
	ProviderTypeBedrock ProviderType = "bedrock"
)

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the canonical completion request accepted by the gateway
// and handed to every adapter.
type ChatRequest struct {
	// Model selects the upstream model and, via its prefix, the provider.
	Model string `json:"model"`

	// Messages is the conversation, ordered oldest-first. At least one
	// user message is required.
	Messages []Message `json:"messages"`

	// Temperature controls randomness. Valid range is 0.0 to 2.0.
	// Nil means provider default.
	Temperature *float64 `json:"temperature,omitempty"`

	// MaxTokens limits the response length. Must be positive when set.
	MaxTokens *int `json:"max_tokens,omitempty"`

	// Stream requests a streaming response. Streamed requests bypass
	// the response cache.
	Stream bool `json:"stream,omitempty"`

	// User is an opaque end-user identifier forwarded for abuse tracking.
	User string `json:"user,omitempty"`

	// Metadata carries caller-supplied context not sent upstream.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Validate checks the request invariants: at least one user message,
// temperature in [0,2], max_tokens positive.
func (r *ChatRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages is required")
	}
	hasUser := false
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
		if m.Role == RoleUser {
			hasUser = true
		}
	}
	if !hasUser {
		return fmt.Errorf("messages must contain at least one user message")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive")
	}
	return nil
}

// Prompt returns the content of the last user message. Adapters for
// single-turn providers use this as the prompt text.
func (r *ChatRequest) Prompt() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// SystemPrompt returns the concatenated system messages, if any.
func (r *ChatRequest) SystemPrompt() string {
	out := ""
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			if out != "" {
				out += "\n"
			}
			out += m.Content
		}
	}
	return out
}

// FinishReason is the normalized reason a completion stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishError         FinishReason = "error"
	FinishContentFilter FinishReason = "content_filter"
)

// NormalizeFinishReason maps provider-native stop reasons onto the four
// canonical values.
func NormalizeFinishReason(native string) FinishReason {
	switch native {
	case "stop", "end_turn", "stop_sequence", "COMPLETE", "STOP", "FINISH_REASON_STOP", "endoftext":
		return FinishStop
	case "length", "max_tokens", "MAX_TOKENS", "model_length", "TOKEN_LIMIT":
		return FinishLength
	case "content_filter", "CONTENT_FILTER", "safety", "SAFETY", "refusal":
		return FinishContentFilter
	case "":
		return FinishStop
	default:
		return FinishError
	}
}

// Usage tracks token usage for billing and rate-limit accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is a single completion choice in the canonical response.
type Choice struct {
	Index        int          `json:"index"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
}

// ChatResponse is the canonical, OpenAI-shaped completion response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`

	// AuditInfo is attached by the gateway when the caller asks for it.
	AuditInfo interface{} `json:"audit_info,omitempty"`
}

// Content returns the text of the first choice, or "".
func (r *ChatResponse) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// RateLimitStatus reports the remaining provider budget.
type RateLimitStatus struct {
	RequestsRemaining int       `json:"requests_remaining"`
	TokensRemaining   int       `json:"tokens_remaining"`
	ResetAt           time.Time `json:"reset_at"`
}

// EstimateTokens approximates the token count of a request for bucket
// accounting before the real usage comes back. Roughly 4 chars per token.
func EstimateTokens(req ChatRequest) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	tokens := chars / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}
