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
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Error codes of the gateway's error taxonomy.
const (
	CodeBadRequest        = "bad_request"
	CodeUnauthorized      = "unauthorized"
	CodeForbidden         = "forbidden"
	CodeRateLimited       = "rate_limited"
	CodeDeadline          = "deadline_exceeded"
	CodeUpstreamFailed    = "upstream_failed"
	CodeNoHealthyProvider = "no_healthy_provider"
	CodeAuditFailure      = "audit_failure"
	CodeServerBusy        = "server_busy"
	CodeInternal          = "internal_error"
)

// APIError is the error envelope returned to callers as
// {"error": {"code": ..., "message": ...}}.
type APIError struct {
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the taxonomy onto HTTP status codes.
func (e *APIError) HTTPStatus() int {
	switch e.Code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeDeadline:
		return http.StatusRequestTimeout
	case CodeUpstreamFailed:
		return http.StatusBadGateway
	case CodeNoHealthyProvider, CodeServerBusy:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func apiError(code, format string, args ...interface{}) *APIError {
	return &APIError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// writeError serializes an error to the response, setting Retry-After for
// rate limits.
func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*APIError)
	if !ok {
		apiErr = &APIError{Code: CodeInternal, Message: err.Error()}
	}

	if apiErr.Code == CodeRateLimited && apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(apiErr.RetryAfter.Seconds()+0.999)))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		},
	})
}

// writeJSON serializes a success payload.
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
