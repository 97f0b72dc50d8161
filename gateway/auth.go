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
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"modelgate/platform/store"
)

// Identity is the authenticated principal resolved for a request.
type Identity struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
	Role   string `json:"role"`
}

// Authenticator validates request credentials. User and org storage are
// external collaborators; the gateway only consumes the resolved identity.
type Authenticator interface {
	// Authenticate resolves the request's credentials to an identity.
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}

// TokenAuthenticator validates "Authorization: Bearer <jwt>" tokens signed
// with the shared secret, and "X-Api-Key" keys resolved through the store
// under "apikey:<key>".
type TokenAuthenticator struct {
	jwtSecret []byte
	store     store.Store
}

// NewTokenAuthenticator creates the default authenticator.
func NewTokenAuthenticator(jwtSecret []byte, s store.Store) *TokenAuthenticator {
	return &TokenAuthenticator{jwtSecret: jwtSecret, store: s}
}

// Authenticate checks the Bearer token first, then the API key header.
func (a *TokenAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*Identity, error) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth {
			return nil, apiError(CodeUnauthorized, "authorization header must use Bearer scheme")
		}
		return a.validateJWT(token)
	}

	if key := r.Header.Get("X-Api-Key"); key != "" {
		return a.validateAPIKey(ctx, key)
	}

	return nil, apiError(CodeUnauthorized, "missing credentials")
}

func (a *TokenAuthenticator) validateJWT(tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, apiError(CodeUnauthorized, "invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apiError(CodeUnauthorized, "invalid token claims")
	}

	identity := &Identity{}
	if v, ok := claims["user_id"].(string); ok {
		identity.UserID = v
	} else if v, ok := claims["sub"].(string); ok {
		identity.UserID = v
	}
	if v, ok := claims["org_id"].(string); ok {
		identity.OrgID = v
	}
	if v, ok := claims["role"].(string); ok {
		identity.Role = v
	}
	if identity.OrgID == "" {
		return nil, apiError(CodeUnauthorized, "token missing org_id claim")
	}
	return identity, nil
}

func (a *TokenAuthenticator) validateAPIKey(ctx context.Context, key string) (*Identity, error) {
	data, err := a.store.Get(ctx, "apikey:"+key)
	if err != nil {
		return nil, apiError(CodeUnauthorized, "invalid API key")
	}

	var identity Identity
	if err := json.Unmarshal(data, &identity); err != nil || identity.OrgID == "" {
		return nil, apiError(CodeUnauthorized, "invalid API key record")
	}
	return &identity, nil
}
