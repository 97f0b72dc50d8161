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

package alerting

import (
	"time"
)

// GlobalOrgID marks rules evaluated for every tenant.
const GlobalOrgID = "GLOBAL"

// Condition is one threshold check inside an alert rule. All of a rule's
// conditions must hold for the rule to trigger.
type Condition struct {
	Metric            string  `json:"metric"`
	Operator          string  `json:"operator"` // <, <=, >, >=, =, ==, !=
	Value             float64 `json:"value"`
	TimeWindowMinutes int     `json:"timeWindowMinutes"`
	Aggregation       string  `json:"aggregation"` // avg, sum, count, max, min
}

// Rule is a threshold-driven alert rule.
type Rule struct {
	ID              string      `json:"id"`
	OrgID           string      `json:"org_id"` // tenant id or GlobalOrgID
	Name            string      `json:"name"`
	Enabled         bool        `json:"enabled"`
	Conditions      []Condition `json:"conditions"`
	Actions         []string    `json:"actions"` // email, slack, webhook, sms, dashboard
	CooldownMinutes int         `json:"cooldownMinutes"`
	LastTriggered   *time.Time  `json:"lastTriggered,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a raised, append-only alert record. Alerts may be resolved but
// are never deleted.
type Alert struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	Type        string    `json:"type"`
	Severity    Severity  `json:"severity"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	Resolved    bool      `json:"resolved"`
	Channels    []string  `json:"channels"`
}
