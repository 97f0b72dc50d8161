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
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"modelgate/platform/alerting"
	"modelgate/platform/audit"
	"modelgate/platform/evaluator"
	"modelgate/platform/policy"
	"modelgate/platform/provider"
	"modelgate/platform/retriever"
	"modelgate/platform/webhook"
)

type contextKey string

const identityKey contextKey = "identity"

// identityFrom pulls the authenticated identity from the request context.
func identityFrom(r *http.Request) *Identity {
	if ident, ok := r.Context().Value(identityKey).(*Identity); ok {
		return ident
	}
	return nil
}

// requireAuth authenticates every request on the protected surface. Failed
// authentication logs a failed-auth audit event before returning 401.
func (s *Service) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, err := s.Auth.Authenticate(r.Context(), r)
		if err != nil {
			_ = s.Audit.LogError(r.Context(), "", "unknown", "", "authentication failed: "+r.URL.Path)
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, ident)
		next(w, r.WithContext(ctx))
	}
}

// Routes registers every handler on the router.
func (s *Service) Routes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/readyz", s.handleReadyz).Methods("GET")

	r.HandleFunc("/v1/chat/completions", s.requireAuth(s.handleChat)).Methods("POST")

	r.HandleFunc("/v1/documents", s.requireAuth(s.handleAddDocument)).Methods("POST")
	r.HandleFunc("/v1/documents/{id}", s.requireAuth(s.handleDeleteDocument)).Methods("DELETE")
	r.HandleFunc("/v1/documents/search", s.requireAuth(s.handleSearchDocuments)).Methods("POST")
	r.HandleFunc("/v1/documents/stats", s.requireAuth(s.handleDocumentStats)).Methods("GET")

	r.HandleFunc("/v1/audit", s.requireAuth(s.handleAuditTrail)).Methods("GET")
	r.HandleFunc("/v1/audit/stats", s.requireAuth(s.handleAuditStats)).Methods("GET")
	r.HandleFunc("/v1/audit/verify", s.requireAuth(s.handleAuditVerify)).Methods("GET")

	r.HandleFunc("/v1/policies/rules", s.requireAuth(s.handleListRules)).Methods("GET")
	r.HandleFunc("/v1/policies/rules", s.requireAuth(s.handleCreateRule)).Methods("POST")
	r.HandleFunc("/v1/policies/rules/{id}", s.requireAuth(s.handleDeleteRule)).Methods("DELETE")
	r.HandleFunc("/v1/policies/rules/{id}/enabled", s.requireAuth(s.handleToggleRule)).Methods("POST")

	r.HandleFunc("/v1/webhooks", s.requireAuth(s.handleListWebhooks)).Methods("GET")
	r.HandleFunc("/v1/webhooks", s.requireAuth(s.handleCreateWebhook)).Methods("POST")
	r.HandleFunc("/v1/webhooks/{id}", s.requireAuth(s.handleDeleteWebhook)).Methods("DELETE")
	r.HandleFunc("/v1/webhooks/{id}/test", s.requireAuth(s.handleTestWebhook)).Methods("POST")
	r.HandleFunc("/v1/webhooks/deliveries", s.requireAuth(s.handleListDeliveries)).Methods("GET")
	r.HandleFunc("/v1/webhooks/deliveries/{deliveryId}/replay", s.requireAuth(s.handleReplayDelivery)).Methods("POST")

	r.HandleFunc("/v1/alerts/rules", s.requireAuth(s.handleListAlertRules)).Methods("GET")
	r.HandleFunc("/v1/alerts/rules", s.requireAuth(s.handleCreateAlertRule)).Methods("POST")
	r.HandleFunc("/v1/alerts", s.requireAuth(s.handleListAlerts)).Methods("GET")
	r.HandleFunc("/v1/alerts/{id}/resolve", s.requireAuth(s.handleResolveAlert)).Methods("POST")

	r.HandleFunc("/v1/plugins", s.requireAuth(s.handleListPlugins)).Methods("GET")
	r.HandleFunc("/v1/plugins", s.requireAuth(s.handleLoadPlugin)).Methods("POST")
}

// handleChat serves POST /v1/chat/completions.
func (s *Service) handleChat(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)

	var req provider.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apiError(CodeBadRequest, "malformed request body: %v", err))
		return
	}

	resp, info, err := s.ProcessChat(r.Context(), ident, req)
	if err != nil {
		writeError(w, err)
		return
	}

	if r.Header.Get("X-Return-Audit") == "1" {
		withAudit := *resp
		withAudit.AuditInfo = info
		resp = &withAudit
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAddDocument serves POST /v1/documents.
func (s *Service) handleAddDocument(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)

	var input retriever.DocumentInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, apiError(CodeBadRequest, "malformed request body: %v", err))
		return
	}

	doc, err := s.Retriever.AddDocument(r.Context(), ident.OrgID, input)
	if err != nil {
		writeError(w, apiError(CodeBadRequest, "%v", err))
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

// handleDeleteDocument serves DELETE /v1/documents/{id}.
func (s *Service) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	docID := mux.Vars(r)["id"]

	if err := s.Retriever.RemoveDocument(r.Context(), ident.OrgID, docID); err != nil {
		writeError(w, apiError(CodeInternal, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": docID})
}

// handleSearchDocuments serves POST /v1/documents/search.
func (s *Service) handleSearchDocuments(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)

	var body struct {
		Query   string                  `json:"query"`
		Options retriever.SearchOptions `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apiError(CodeBadRequest, "malformed request body: %v", err))
		return
	}

	results, err := s.Retriever.Search(r.Context(), ident.OrgID, body.Query, body.Options)
	if err != nil {
		writeError(w, apiError(CodeInternal, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// handleDocumentStats serves GET /v1/documents/stats.
func (s *Service) handleDocumentStats(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)

	stats, err := s.Retriever.Stats(r.Context(), ident.OrgID)
	if err != nil {
		writeError(w, apiError(CodeInternal, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleAuditTrail serves GET /v1/audit with optional format=csv.
func (s *Service) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	q := r.URL.Query()

	if format := q.Get("format"); format == "csv" || format == "json" && q.Get("export") == "1" {
		data, err := s.Audit.Export(r.Context(), ident.OrgID, audit.ExportFormat(format))
		if err != nil {
			writeError(w, apiError(CodeInternal, "%v", err))
			return
		}
		if format == "csv" {
			w.Header().Set("Content-Type", "text/csv")
		} else {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	filter := audit.TrailFilter{
		RequestID: q.Get("requestId"),
		Type:      audit.EntryType(q.Get("type")),
	}
	if v := q.Get("startDate"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.StartDate = t
		}
	}
	if v := q.Get("endDate"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.EndDate = t
		}
	}
	if v := q.Get("limit"); v != "" {
		var n int
		if _, err := jsonNumber(v, &n); err == nil {
			filter.Limit = n
		}
	}

	entries, err := s.Audit.GetTrail(r.Context(), ident.OrgID, filter)
	if err != nil {
		writeError(w, apiError(CodeInternal, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func jsonNumber(s string, out *int) (int, error) {
	err := json.Unmarshal([]byte(s), out)
	return *out, err
}

// handleAuditStats serves GET /v1/audit/stats.
func (s *Service) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)

	stats, err := s.Audit.Stats(r.Context(), ident.OrgID)
	if err != nil {
		writeError(w, apiError(CodeInternal, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleAuditVerify serves GET /v1/audit/verify.
func (s *Service) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)

	result, err := s.Audit.Verify(r.Context(), ident.OrgID)
	if err != nil {
		writeError(w, apiError(CodeInternal, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleListRules serves GET /v1/policies/rules.
func (s *Service) handleListRules(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)

	rules, err := s.PolicyRepo.ListForOrg(r.Context(), ident.OrgID)
	if err != nil {
		writeError(w, apiError(CodeInternal, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

// handleCreateRule serves POST /v1/policies/rules. Tenant admins create
// rules in their own org; GLOBAL rules require the admin role.
func (s *Service) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)

	var rule policy.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, apiError(CodeBadRequest, "malformed request body: %v", err))
		return
	}
	if rule.OrgID == policy.GlobalOrgID && ident.Role != "admin" {
		writeError(w, apiError(CodeForbidden, "global rules require admin role"))
		return
	}
	if rule.OrgID == "" || rule.OrgID != policy.GlobalOrgID {
		rule.OrgID = ident.OrgID
	}

	if err := s.PolicyRepo.Create(r.Context(), &rule); err != nil {
		writeError(w, apiError(CodeInternal, "%v", err))
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// handleDeleteRule serves DELETE /v1/policies/rules/{id}.
func (s *Service) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	id := mux.Vars(r)["id"]

	if err := s.PolicyRepo.Delete(r.Context(), ident.OrgID, id); err != nil {
		writeError(w, apiError(CodeInternal, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// handleToggleRule serves POST /v1/policies/rules/{id}/enabled.
func (s *Service) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	id := mux.Vars(r)["id"]

	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apiError(CodeBadRequest, "malformed request body: %v", err))
		return
	}

	if err := s.PolicyRepo.SetEnabled(r.Context(), ident.OrgID, id, body.Enabled); err != nil {
		writeError(w, apiError(CodeInternal, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "enabled": body.Enabled})
}

// handleListWebhooks serves GET /v1/webhooks.
func (s *Service) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)

	endpoints, err := s.Endpoints.List(r.Context(), ident.OrgID)
	if err != nil {
		writeError(w, apiError(CodeInternal, "%v", err))
		return
	}
	// Secrets never leave the gateway.
	for i := range endpoints {
		endpoints[i].Secret = ""
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"endpoints": endpoints})
}

// handleCreateWebhook serves POST /v1/webhooks.
func (s *Service) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)

	var ep webhook.Endpoint
	if err := json.NewDecoder(r.Body).Decode(&ep); err != nil {
		writeError(w, apiError(CodeBadRequest, "malformed request body: %v", err))
		return
	}
	ep.OrgID = ident.OrgID

	if err := s.Endpoints.Create(r.Context(), &ep); err != nil {
		writeError(w, apiError(CodeBadRequest, "%v", err))
		return
	}
	ep.Secret = ""
	writeJSON(w, http.StatusCreated, ep)
}

// handleDeleteWebhook serves DELETE /v1/webhooks/{id}.
func (s *Service) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	id := mux.Vars(r)["id"]

	if err := s.Endpoints.Delete(r.Context(), ident.OrgID, id); err != nil {
		writeError(w, apiError(CodeInternal, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// handleTestWebhook serves POST /v1/webhooks/{id}/test.
func (s *Service) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	id := mux.Vars(r)["id"]

	if err := s.Webhooks.SendTest(r.Context(), ident.OrgID, id); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"delivered": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"delivered": true})
}

// handleListDeliveries serves GET /v1/webhooks/deliveries?status=failed.
func (s *Service) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	status := webhook.DeliveryStatus(r.URL.Query().Get("status"))

	deliveries := s.Webhooks.Deliveries(ident.OrgID, status)
	writeJSON(w, http.StatusOK, map[string]interface{}{"deliveries": deliveries})
}

// handleReplayDelivery serves POST /v1/webhooks/deliveries/{deliveryId}/replay.
func (s *Service) handleReplayDelivery(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	deliveryID := mux.Vars(r)["deliveryId"]

	if err := s.Webhooks.Replay(r.Context(), ident.OrgID, deliveryID); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"delivered": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"delivered": true})
}

// handleListAlertRules serves GET /v1/alerts/rules.
func (s *Service) handleListAlertRules(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)

	rules, err := s.Alerts.Rules(r.Context(), ident.OrgID)
	if err != nil {
		writeError(w, apiError(CodeInternal, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

// handleCreateAlertRule serves POST /v1/alerts/rules.
func (s *Service) handleCreateAlertRule(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)

	var rule alerting.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, apiError(CodeBadRequest, "malformed request body: %v", err))
		return
	}
	if rule.OrgID == alerting.GlobalOrgID && ident.Role != "admin" {
		writeError(w, apiError(CodeForbidden, "global alert rules require admin role"))
		return
	}
	if rule.OrgID != alerting.GlobalOrgID {
		rule.OrgID = ident.OrgID
	}

	if err := s.Alerts.SaveRule(r.Context(), &rule); err != nil {
		writeError(w, apiError(CodeInternal, "%v", err))
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// handleListAlerts serves GET /v1/alerts?resolved=false.
func (s *Service) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	unresolvedOnly := r.URL.Query().Get("resolved") == "false"

	alerts, err := s.Alerts.Alerts(r.Context(), ident.OrgID, unresolvedOnly)
	if err != nil {
		writeError(w, apiError(CodeInternal, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

// handleResolveAlert serves POST /v1/alerts/{id}/resolve.
func (s *Service) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r)
	id := mux.Vars(r)["id"]

	if err := s.Alerts.Resolve(r.Context(), ident.OrgID, id); err != nil {
		writeError(w, apiError(CodeInternal, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved", "id": id})
}

// handleListPlugins serves GET /v1/plugins.
func (s *Service) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"plugins": s.Plugins.List()})
}

// handleLoadPlugin serves POST /v1/plugins.
func (s *Service) handleLoadPlugin(w http.ResponseWriter, r *http.Request) {
	var p evaluator.Plugin
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, apiError(CodeBadRequest, "malformed request body: %v", err))
		return
	}

	evaluators, err := s.Plugins.Load(&p)
	if err != nil {
		writeError(w, apiError(CodeBadRequest, "%v", err))
		return
	}
	for _, e := range evaluators {
		s.Mesh.Add(e)
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"plugin":     p.Manifest.ID,
		"evaluators": len(evaluators),
	})
}

// handleHealthz serves liveness.
func (s *Service) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "modelgate",
		"timestamp": time.Now().UTC(),
	})
}

// handleReadyz serves readiness: every component reports.
func (s *Service) handleReadyz(w http.ResponseWriter, r *http.Request) {
	components := map[string]interface{}{
		"providers": s.Providers.Names(),
		"breakers":  s.Breakers.States(),
		"audit":     s.Audit != nil,
		"webhooks":  s.Webhooks != nil,
		"retriever": s.Retriever != nil,
	}

	ready := len(s.Providers.Names()) > 0
	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":     state,
		"components": components,
	})
}
