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

package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"modelgate/platform/provider"
)

func f64(v float64) *float64 { return &v }
func iptr(v int) *int        { return &v }

func baseRequest() provider.ChatRequest {
	return provider.ChatRequest{
		Model: "gpt-4",
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: "Hello"},
		},
	}
}

func TestFingerprint(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a := Fingerprint("org1", baseRequest())
		b := Fingerprint("org1", baseRequest())
		if a != b {
			t.Errorf("Fingerprint not deterministic: %s vs %s", a, b)
		}
	})

	t.Run("tenant scoped", func(t *testing.T) {
		if Fingerprint("org1", baseRequest()) == Fingerprint("org2", baseRequest()) {
			t.Error("different orgs must not share fingerprints")
		}
	})

	t.Run("unset fields collapse to defaults", func(t *testing.T) {
		explicit := baseRequest()
		explicit.Temperature = f64(0.7)
		explicit.MaxTokens = iptr(1000)
		if Fingerprint("org1", baseRequest()) != Fingerprint("org1", explicit) {
			t.Error("unset temperature/max_tokens should hash like the defaults")
		}
	})

	t.Run("unspecified fields do not affect the key", func(t *testing.T) {
		withUser := baseRequest()
		withUser.User = "someone"
		withUser.Metadata = map[string]interface{}{"trace": "abc"}
		if Fingerprint("org1", baseRequest()) != Fingerprint("org1", withUser) {
			t.Error("user/metadata must not change the fingerprint")
		}
	})

	t.Run("message order matters", func(t *testing.T) {
		a := provider.ChatRequest{Model: "gpt-4", Messages: []provider.Message{
			{Role: provider.RoleUser, Content: "one"},
			{Role: provider.RoleUser, Content: "two"},
		}}
		b := provider.ChatRequest{Model: "gpt-4", Messages: []provider.Message{
			{Role: provider.RoleUser, Content: "two"},
			{Role: provider.RoleUser, Content: "one"},
		}}
		if Fingerprint("org1", a) == Fingerprint("org1", b) {
			t.Error("message order must be significant")
		}
	})
}

func TestCacheable(t *testing.T) {
	req := baseRequest()
	if !Cacheable(req) {
		t.Error("plain request should be cacheable")
	}

	streaming := baseRequest()
	streaming.Stream = true
	if Cacheable(streaming) {
		t.Error("streaming requests bypass the cache")
	}

	hot := baseRequest()
	hot.Temperature = f64(1.5)
	if Cacheable(hot) {
		t.Error("temperature > 1.0 bypasses the cache")
	}

	warm := baseRequest()
	warm.Temperature = f64(1.0)
	if !Cacheable(warm) {
		t.Error("temperature 1.0 is still cacheable")
	}
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(50 * time.Millisecond)

	resp := &provider.ChatResponse{ID: "r1", Model: "gpt-4"}
	c.Set(ctx, "key1", resp)

	got, ok := c.Get(ctx, "key1")
	if !ok || got.ID != "r1" {
		t.Fatalf("Get() = %v, %v", got, ok)
	}

	if _, ok := c.Get(ctx, "other"); ok {
		t.Error("Get() hit for missing key")
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get(ctx, "key1"); ok {
		t.Error("Get() hit after TTL expiry")
	}
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCacheFromClient(client, time.Minute)
	ctx := context.Background()

	resp := &provider.ChatResponse{
		ID:    "r2",
		Model: "gpt-4",
		Choices: []provider.Choice{{
			Message:      provider.Message{Role: provider.RoleAssistant, Content: "cached"},
			FinishReason: provider.FinishStop,
		}},
	}
	c.Set(ctx, "k", resp)

	got, ok := c.Get(ctx, "k")
	if !ok {
		t.Fatal("Get() miss after Set()")
	}
	if got.Content() != "cached" {
		t.Errorf("Content() = %q, want %q", got.Content(), "cached")
	}

	// A Redis outage degrades to a miss.
	mr.Close()
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("Get() should miss when Redis is down")
	}
}
