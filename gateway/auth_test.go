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

package gateway

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"modelgate/platform/store"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return signed
}

func TestTokenAuthenticator_JWT(t *testing.T) {
	kv := store.NewMemoryStore()
	auth := NewTokenAuthenticator([]byte("topsecret"), kv)
	ctx := context.Background()

	t.Run("valid token resolves identity", func(t *testing.T) {
		token := signToken(t, "topsecret", jwt.MapClaims{
			"user_id": "u1", "org_id": "org1", "role": "admin",
		})
		r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		r.Header.Set("Authorization", "Bearer "+token)

		ident, err := auth.Authenticate(ctx, r)
		if err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
		if ident.UserID != "u1" || ident.OrgID != "org1" || ident.Role != "admin" {
			t.Errorf("identity = %+v", ident)
		}
	})

	t.Run("sub claim fallback", func(t *testing.T) {
		token := signToken(t, "topsecret", jwt.MapClaims{"sub": "u2", "org_id": "org1"})
		r := httptest.NewRequest("POST", "/", nil)
		r.Header.Set("Authorization", "Bearer "+token)

		ident, err := auth.Authenticate(ctx, r)
		if err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
		if ident.UserID != "u2" {
			t.Errorf("UserID = %q, want u2", ident.UserID)
		}
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		token := signToken(t, "other-secret", jwt.MapClaims{"org_id": "org1"})
		r := httptest.NewRequest("POST", "/", nil)
		r.Header.Set("Authorization", "Bearer "+token)

		if _, err := auth.Authenticate(ctx, r); err == nil {
			t.Error("Authenticate() should reject a forged token")
		}
	})

	t.Run("missing org_id rejected", func(t *testing.T) {
		token := signToken(t, "topsecret", jwt.MapClaims{"user_id": "u1"})
		r := httptest.NewRequest("POST", "/", nil)
		r.Header.Set("Authorization", "Bearer "+token)

		if _, err := auth.Authenticate(ctx, r); err == nil {
			t.Error("Authenticate() should require org_id")
		}
	})

	t.Run("non-bearer scheme rejected", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", nil)
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

		if _, err := auth.Authenticate(ctx, r); err == nil {
			t.Error("Authenticate() should reject non-Bearer auth")
		}
	})

	t.Run("no credentials rejected", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", nil)
		_, err := auth.Authenticate(ctx, r)
		apiErr, ok := err.(*APIError)
		if !ok || apiErr.Code != CodeUnauthorized {
			t.Errorf("error = %v, want unauthorized", err)
		}
	})
}

func TestTokenAuthenticator_APIKey(t *testing.T) {
	kv := store.NewMemoryStore()
	auth := NewTokenAuthenticator([]byte("s"), kv)
	ctx := context.Background()

	_ = kv.Set(ctx, "apikey:mk_live_abc123", []byte(`{"user_id":"svc-1","org_id":"org1","role":"service"}`))

	t.Run("known key resolves identity", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", nil)
		r.Header.Set("X-Api-Key", "mk_live_abc123")

		ident, err := auth.Authenticate(ctx, r)
		if err != nil {
			t.Fatalf("Authenticate() error = %v", err)
		}
		if ident.OrgID != "org1" || ident.Role != "service" {
			t.Errorf("identity = %+v", ident)
		}
	})

	t.Run("unknown key rejected", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", nil)
		r.Header.Set("X-Api-Key", "mk_live_nope")

		if _, err := auth.Authenticate(ctx, r); err == nil {
			t.Error("Authenticate() should reject unknown keys")
		}
	})
}
