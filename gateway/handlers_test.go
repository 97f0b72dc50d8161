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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"modelgate/platform/evaluator"
	"modelgate/platform/policy"
	"modelgate/platform/provider"
)

func routedGateway(t *testing.T, rules ...policy.Rule) (*testGateway, *mux.Router, string) {
	t.Helper()
	g := newTestGateway(t, fixedMesh(1, 1, 1, 1), rules...)
	router := mux.NewRouter()
	g.svc.Routes(router)

	token := signToken(t, "jwt-secret", jwt.MapClaims{
		"user_id": "u1", "org_id": "org1", "role": "admin",
	})
	return g, router, token
}

func TestHandleChat(t *testing.T) {
	_, router, token := routedGateway(t)

	body, _ := json.Marshal(helloRequest())
	r := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+token)
	r.Header.Set("X-Return-Audit", "1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp provider.ChatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if resp.Content() == "" {
		t.Error("empty content")
	}
	if resp.AuditInfo == nil {
		t.Error("audit_info missing despite X-Return-Audit: 1")
	}

	t.Run("audit info omitted by default", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)

		var raw map[string]interface{}
		_ = json.Unmarshal(w.Body.Bytes(), &raw)
		if _, ok := raw["audit_info"]; ok {
			t.Error("audit_info present without opt-in header")
		}
	})

	t.Run("missing auth is 401", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
	})

	t.Run("malformed body is 400", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader([]byte("{not json")))
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", w.Code)
		}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
			t.Fatalf("error envelope decode: %v", err)
		}
		if envelope.Error.Code != CodeBadRequest {
			t.Errorf("error code = %q, want %q", envelope.Error.Code, CodeBadRequest)
		}
	})
}

func TestHandleBlockedChatResponseShape(t *testing.T) {
	_, router, _ := routedGateway(t, policy.Rule{
		ID: "b", OrgID: "org1", Name: "block all", Condition: "toxicity <= 1", Action: evaluator.ActionBlock,
	})

	body, _ := json.Marshal(helloRequest())
	r := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
	memberToken := signToken(t, "jwt-secret", jwt.MapClaims{
		"user_id": "u2", "org_id": "org1", "role": "member",
	})
	r.Header.Set("Authorization", "Bearer "+memberToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	// PolicyBlocked is a normal terminal state: HTTP 200 with the
	// content_filter finish reason, not an error.
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for policy block", w.Code)
	}
	var resp provider.ChatResponse
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Choices[0].FinishReason != provider.FinishContentFilter {
		t.Errorf("finish_reason = %s, want content_filter", resp.Choices[0].FinishReason)
	}
}

func TestPolicyRuleCRUDHandlers(t *testing.T) {
	_, router, token := routedGateway(t)

	ruleJSON := []byte(`{"name":"no toxicity","condition":"toxicity < 0.5","action":"FLAG","enabled":true}`)
	r := httptest.NewRequest("POST", "/v1/policies/rules", bytes.NewReader(ruleJSON))
	r.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}

	var created policy.Rule
	_ = json.Unmarshal(w.Body.Bytes(), &created)
	if created.ID == "" || created.OrgID != "org1" {
		t.Errorf("created rule = %+v", created)
	}

	r = httptest.NewRequest("GET", "/v1/policies/rules", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var listed struct {
		Rules []policy.Rule `json:"rules"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &listed)
	if len(listed.Rules) != 1 {
		t.Errorf("rules = %d, want 1", len(listed.Rules))
	}

	r = httptest.NewRequest("DELETE", "/v1/policies/rules/"+created.ID, nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	_, router, _ := routedGateway(t)

	t.Run("healthz needs no auth", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
		if w.Code != http.StatusOK {
			t.Errorf("healthz status = %d", w.Code)
		}
	})

	t.Run("readyz reports components", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
		if w.Code != http.StatusOK {
			t.Errorf("readyz status = %d", w.Code)
		}
		var payload map[string]interface{}
		_ = json.Unmarshal(w.Body.Bytes(), &payload)
		if _, ok := payload["components"]; !ok {
			t.Error("readyz missing components report")
		}
	})
}

func TestAuditEndpoints(t *testing.T) {
	g, router, token := routedGateway(t)

	// Produce some audit history first.
	body, _ := json.Marshal(helloRequest())
	r := httptest.NewRequest("POST", "/v1/chat/completions", bytes.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(httptest.NewRecorder(), r)

	t.Run("trail", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/v1/audit", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		var payload struct {
			Entries []json.RawMessage `json:"entries"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &payload)
		if len(payload.Entries) != 2 {
			t.Errorf("entries = %d, want 2", len(payload.Entries))
		}
	})

	t.Run("csv export", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/v1/audit?format=csv", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
			t.Errorf("Content-Type = %q, want text/csv", ct)
		}
	})

	t.Run("verify", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/v1/audit/verify", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, r)
		var result struct {
			OK bool `json:"ok"`
		}
		_ = json.Unmarshal(w.Body.Bytes(), &result)
		if !result.OK {
			t.Errorf("verify = %s", w.Body.String())
		}
	})

	_ = g
}
