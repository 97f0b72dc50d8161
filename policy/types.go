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

// Package policy evaluates tenant rules against evaluation results and
// produces the final action: pass, rewrite, block, or flag. Conditions use
// a small boolean DSL over scores, violations, time, and user properties.
package policy

import (
	"time"

	"modelgate/platform/evaluator"
)

// GlobalOrgID marks rules that apply to every tenant.
const GlobalOrgID = "GLOBAL"

// Rule is a single policy rule.
type Rule struct {
	ID          string           `json:"id"`
	OrgID       string           `json:"org_id"` // tenant id or GlobalOrgID
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Condition   string           `json:"condition"` // DSL string
	Action      evaluator.Action `json:"action"`
	Severity    string           `json:"severity,omitempty"`
	RewriteTemplate string       `json:"rewrite_template,omitempty"`
	Enabled     bool             `json:"enabled"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Context carries the request-scoped facts the DSL can reference.
type Context struct {
	OrgID       string       `json:"org_id"`
	UserID      string       `json:"user_id,omitempty"`
	UserRole    string       `json:"user_role,omitempty"`
	RequestType string       `json:"request_type,omitempty"`
	TimeOfDay   string       `json:"time_of_day"` // "HH:MM"
	DayOfWeek   time.Weekday `json:"day_of_week"`
}

// Decision is the policy engine's verdict.
type Decision struct {
	Action       evaluator.Action `json:"action"`
	AppliedRules []string         `json:"applied_rules"`
	Confidence   float64          `json:"confidence"`
	Rewrite      string           `json:"rewrite,omitempty"`

	// Overridden records a business override changing the rule verdict.
	Overridden bool   `json:"overridden,omitempty"`
	OverrideReason string `json:"override_reason,omitempty"`
}

// actionRank orders actions by strength for precedence resolution.
func actionRank(a evaluator.Action) int {
	switch a {
	case evaluator.ActionBlock:
		return 3
	case evaluator.ActionRewrite:
		return 2
	case evaluator.ActionFlag:
		return 1
	case evaluator.ActionPass:
		return 0
	}
	return 0
}

// allowedTransition enforces the per-request action state machine:
// PASS -> {FLAG, REWRITE, BLOCK}; FLAG -> {REWRITE, BLOCK};
// REWRITE -> BLOCK; BLOCK terminal.
func allowedTransition(from, to evaluator.Action) bool {
	return actionRank(to) > actionRank(from)
}
