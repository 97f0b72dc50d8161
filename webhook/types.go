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

// Package webhook delivers signed pipeline events to tenant endpoints with
// bounded retries, and retains failed deliveries for manual replay.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// EventType names a webhook event.
type EventType string

const (
	EventContentBlocked      EventType = "content.blocked"
	EventContentRewritten    EventType = "content.rewritten"
	EventPolicyViolation     EventType = "policy.violation"
	EventThresholdExceeded   EventType = "threshold.exceeded"
	EventEvaluationCompleted EventType = "evaluation.completed"
)

// Event is the outbound payload. The JSON body is
// {id, type, timestamp, organizationId, data}.
type Event struct {
	ID             string                 `json:"id"`
	Type           EventType              `json:"type"`
	Timestamp      time.Time              `json:"timestamp"`
	OrganizationID string                 `json:"organizationId"`
	Data           map[string]interface{} `json:"data"`
}

// RetryConfig bounds delivery retries per endpoint.
type RetryConfig struct {
	MaxRetries        int     `json:"maxRetries"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	MaxBackoffSeconds int     `json:"maxBackoffSeconds"`
}

// DefaultRetryConfig is used when an endpoint does not set its own.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		BackoffMultiplier: 2.0,
		MaxBackoffSeconds: 900,
	}
}

// Endpoint is a tenant's registered webhook destination.
type Endpoint struct {
	ID          string            `json:"id"`
	OrgID       string            `json:"org_id"`
	URL         string            `json:"url"`
	Secret      string            `json:"secret"`
	Events      []EventType       `json:"events"`
	Enabled     bool              `json:"enabled"`
	RetryConfig RetryConfig       `json:"retry_config"`
	Headers     map[string]string `json:"headers,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Subscribed reports whether the endpoint listens for the event type.
// An empty Events list subscribes to everything.
func (e *Endpoint) Subscribed(t EventType) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, et := range e.Events {
		if et == t {
			return true
		}
	}
	return false
}

// SignBody produces the hex HMAC-SHA-256 of the body under the endpoint
// secret; this exact string travels in X-Signature.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// DeliveryStatus tracks one event's delivery lifecycle to one endpoint.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Delivery is the per-endpoint delivery record.
type Delivery struct {
	ID         string         `json:"id"`
	EndpointID string         `json:"endpoint_id"`
	OrgID      string         `json:"org_id"`
	Event      Event          `json:"event"`
	Status     DeliveryStatus `json:"status"`
	Attempts   int            `json:"attempts"`
	LastError  string         `json:"last_error,omitempty"`
	LastTried  time.Time      `json:"last_tried,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
