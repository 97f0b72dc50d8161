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
	"testing"
)

// fakeProvider is a minimal Provider for registry tests.
type fakeProvider struct {
	name    string
	ptype   ProviderType
	healthy bool
}

func (p *fakeProvider) Name() string                    { return p.name }
func (p *fakeProvider) Type() ProviderType              { return p.ptype }
func (p *fakeProvider) HealthCheck(context.Context) bool { return p.healthy }
func (p *fakeProvider) RateLimitStatus() RateLimitStatus { return RateLimitStatus{} }
func (p *fakeProvider) Call(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Model: req.Model}, nil
}

func TestRegistryRoute(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeProvider{name: "openai", ptype: ProviderTypeOpenAI, healthy: true})
	r.Register(&fakeProvider{name: "anthropic", ptype: ProviderTypeAnthropic, healthy: true})
	r.Register(&fakeProvider{name: "bedrock", ptype: ProviderTypeBedrock, healthy: true})

	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4", "openai"},
		{"gpt-3.5-turbo", "openai"},
		{"claude-3-5-sonnet-20241022", "anthropic"},
		{"bedrock/anthropic.claude-3-sonnet", "bedrock"},
	}
	for _, tt := range tests {
		p, err := r.Route(tt.model)
		if err != nil {
			t.Errorf("Route(%q) error = %v", tt.model, err)
			continue
		}
		if p.Name() != tt.want {
			t.Errorf("Route(%q) = %s, want %s", tt.model, p.Name(), tt.want)
		}
	}

	t.Run("unknown model", func(t *testing.T) {
		if _, err := r.Route("mystery-model"); err != ErrNoHealthyProvider {
			t.Errorf("Route() error = %v, want ErrNoHealthyProvider", err)
		}
	})

	t.Run("registered route without provider", func(t *testing.T) {
		if _, err := r.Route("gemini-1.5-pro"); err != ErrNoHealthyProvider {
			t.Errorf("Route() error = %v, want ErrNoHealthyProvider", err)
		}
	})

	t.Run("unhealthy provider is skipped", func(t *testing.T) {
		r.MarkHealth("openai", false)
		if _, err := r.Route("gpt-4"); err != ErrNoHealthyProvider {
			t.Errorf("Route() error = %v, want ErrNoHealthyProvider after MarkHealth(false)", err)
		}
		r.MarkHealth("openai", true)
		if _, err := r.Route("gpt-4"); err != nil {
			t.Errorf("Route() error = %v after recovery", err)
		}
	})
}

func TestRegistryCheckHealth(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeProvider{name: "openai", ptype: ProviderTypeOpenAI, healthy: true})
	r.Register(&fakeProvider{name: "anthropic", ptype: ProviderTypeAnthropic, healthy: false})

	results := r.CheckHealth(context.Background())
	if !results["openai"] {
		t.Error("openai should be healthy")
	}
	if results["anthropic"] {
		t.Error("anthropic should be unhealthy")
	}

	// The failing health check removes anthropic from routing.
	if _, err := r.Route("claude-3-opus"); err != ErrNoHealthyProvider {
		t.Errorf("Route() error = %v, want ErrNoHealthyProvider", err)
	}
}

func TestRateAccountant(t *testing.T) {
	t.Run("acquire within budget", func(t *testing.T) {
		a := NewRateAccountant(60, 6000)
		if err := a.Acquire("test", 100); err != nil {
			t.Errorf("Acquire() error = %v", err)
		}
	})

	t.Run("request exhaustion returns rate_limit with retry hint", func(t *testing.T) {
		a := NewRateAccountant(1, 0)
		if err := a.Acquire("test", 1); err != nil {
			t.Fatalf("first Acquire() error = %v", err)
		}
		err := a.Acquire("test", 1)
		if err == nil {
			t.Fatal("second Acquire() should fail")
		}
		pe, ok := err.(*Error)
		if !ok || pe.Code != ErrCodeRateLimit {
			t.Errorf("Acquire() error = %v, want rate_limit", err)
		}
		if pe.RetryAfter <= 0 {
			t.Errorf("RetryAfter = %v, want positive", pe.RetryAfter)
		}
	})

	t.Run("token exhaustion", func(t *testing.T) {
		a := NewRateAccountant(0, 10)
		if err := a.Acquire("test", 11); err == nil {
			t.Error("Acquire() should fail when token budget is too small")
		}
	})

	t.Run("unlimited when zero", func(t *testing.T) {
		a := NewRateAccountant(0, 0)
		for range [100]struct{}{} {
			if err := a.Acquire("test", 1000); err != nil {
				t.Fatalf("Acquire() error = %v, want unlimited", err)
			}
		}
	})

	t.Run("status reflects header overrides", func(t *testing.T) {
		a := NewRateAccountant(100, 1000)
		h := make(map[string][]string)
		h["X-Ratelimit-Remaining-Requests"] = []string{"42"}
		h["X-Ratelimit-Remaining-Tokens"] = []string{"999"}
		a.ObserveHeaders(h)

		status := a.Status()
		if status.RequestsRemaining != 42 {
			t.Errorf("RequestsRemaining = %d, want 42", status.RequestsRemaining)
		}
		if status.TokensRemaining != 999 {
			t.Errorf("TokensRemaining = %d, want 999", status.TokensRemaining)
		}
	})
}
