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
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIProvider_Call(t *testing.T) {
	var captured openAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s, want /v1/chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)

		w.Header().Set("x-ratelimit-remaining-requests", "99")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-123",
			"created": 1700000000,
			"model":   "gpt-4",
			"choices": []map[string]interface{}{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": "Hi there"},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8},
		})
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}

	resp, err := p.Call(context.Background(), ChatRequest{
		Model:       "gpt-4",
		Messages:    []Message{{Role: RoleUser, Content: "Hello"}},
		Temperature: f64(0.5),
	})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	if captured.Model != "gpt-4" {
		t.Errorf("upstream model = %q, want gpt-4", captured.Model)
	}
	if captured.Temperature == nil || *captured.Temperature != 0.5 {
		t.Errorf("upstream temperature = %v, want 0.5", captured.Temperature)
	}
	if resp.ID != "chatcmpl-123" {
		t.Errorf("ID = %q", resp.ID)
	}
	if resp.Content() != "Hi there" {
		t.Errorf("Content() = %q", resp.Content())
	}
	if resp.Choices[0].FinishReason != FinishStop {
		t.Errorf("FinishReason = %q, want stop", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 8 {
		t.Errorf("TotalTokens = %d, want 8", resp.Usage.TotalTokens)
	}

	status := p.RateLimitStatus()
	if status.RequestsRemaining != 99 {
		t.Errorf("RequestsRemaining = %d, want 99 from headers", status.RequestsRemaining)
	}
}

func TestOpenAIProvider_ErrorMapping(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer server.Close()

	p, _ := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: server.URL})
	_, err := p.Call(context.Background(), ChatRequest{
		Model:    "gpt-4",
		Messages: []Message{{Role: RoleUser, Content: "x"}},
	})
	if err == nil {
		t.Fatal("Call() should fail")
	}

	retryAfter, limited := IsRateLimited(err)
	if !limited {
		t.Fatalf("IsRateLimited() = false for %v", err)
	}
	if retryAfter.Seconds() != 7 {
		t.Errorf("RetryAfter = %v, want 7s", retryAfter)
	}
}

func TestAnthropicProvider_Call(t *testing.T) {
	var captured anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s, want /v1/messages", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != AnthropicAPIVersion {
			t.Errorf("anthropic-version = %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id":          "msg_01",
			"model":       "claude-3-5-sonnet-20241022",
			"stop_reason": "end_turn",
			"content":     []map[string]string{{"type": "text", "text": "Hello back"}},
			"usage":       map[string]int{"input_tokens": 10, "output_tokens": 4},
		})
	}))
	defer server.Close()

	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}

	resp, err := p.Call(context.Background(), ChatRequest{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "Hello"},
		},
	})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	// System message moves to the system field, not the messages array.
	if captured.System != "be brief" {
		t.Errorf("system = %q, want %q", captured.System, "be brief")
	}
	if len(captured.Messages) != 1 || captured.Messages[0].Role != "user" {
		t.Errorf("messages = %+v, want single user message", captured.Messages)
	}
	if captured.MaxTokens != AnthropicDefaultMaxTokens {
		t.Errorf("max_tokens = %d, want default %d", captured.MaxTokens, AnthropicDefaultMaxTokens)
	}

	if resp.Content() != "Hello back" {
		t.Errorf("Content() = %q", resp.Content())
	}
	if resp.Choices[0].FinishReason != FinishStop {
		t.Errorf("FinishReason = %q, want stop (normalized end_turn)", resp.Choices[0].FinishReason)
	}
	if resp.Usage.TotalTokens != 14 {
		t.Errorf("TotalTokens = %d, want 14", resp.Usage.TotalTokens)
	}
}

func TestCohereProvider_HistorySplit(t *testing.T) {
	var captured cohereRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"text":          "answer",
			"generation_id": "gen-1",
			"finish_reason": "COMPLETE",
			"meta": map[string]interface{}{
				"billed_units": map[string]int{"input_tokens": 3, "output_tokens": 2},
			},
		})
	}))
	defer server.Close()

	p, _ := NewCohereProvider(CohereConfig{APIKey: "k", BaseURL: server.URL})
	resp, err := p.Call(context.Background(), ChatRequest{
		Model: "command-r",
		Messages: []Message{
			{Role: RoleUser, Content: "first question"},
			{Role: RoleAssistant, Content: "first answer"},
			{Role: RoleUser, Content: "second question"},
		},
	})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	if captured.Message != "second question" {
		t.Errorf("message = %q, want the last user turn", captured.Message)
	}
	if len(captured.ChatHistory) != 2 {
		t.Fatalf("history length = %d, want 2", len(captured.ChatHistory))
	}
	if captured.ChatHistory[0].Role != "USER" || captured.ChatHistory[1].Role != "CHATBOT" {
		t.Errorf("history roles = %+v", captured.ChatHistory)
	}
	if resp.Choices[0].FinishReason != FinishStop {
		t.Errorf("FinishReason = %q, want stop (normalized COMPLETE)", resp.Choices[0].FinishReason)
	}
}

func TestAzureProvider_DeploymentRouting(t *testing.T) {
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		if got := r.Header.Get("api-key"); got != "azure-key" {
			t.Errorf("api-key = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "chatcmpl-az", "created": 1, "model": "gpt-4",
			"choices": []map[string]interface{}{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": "ok"},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		})
	}))
	defer server.Close()

	p, _ := NewAzureProvider(AzureConfig{APIKey: "azure-key", Endpoint: server.URL})
	_, err := p.Call(context.Background(), ChatRequest{
		Model:    "azure/my-gpt4-deployment",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if path != "/openai/deployments/my-gpt4-deployment/chat/completions" {
		t.Errorf("path = %s, want deployment-scoped URL", path)
	}
}
