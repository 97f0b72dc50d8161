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

package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"modelgate/platform/evaluator"
	"modelgate/platform/store"
)

// Repository persists policy rules through the store collaborator.
// Keys: "rule:<orgId>:<ruleId>" with orgId GLOBAL for global rules.
type Repository struct {
	store store.Store
}

// NewRepository creates a rule repository.
func NewRepository(s store.Store) *Repository {
	return &Repository{store: s}
}

func ruleKey(orgID, id string) string { return fmt.Sprintf("rule:%s:%s", orgID, id) }

// Create persists a new rule, assigning an id when absent.
func (r *Repository) Create(ctx context.Context, rule *Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.OrgID == "" {
		rule.OrgID = GlobalOrgID
	}
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	data, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to marshal rule: %w", err)
	}
	return r.store.Set(ctx, ruleKey(rule.OrgID, rule.ID), data)
}

// Update overwrites an existing rule.
func (r *Repository) Update(ctx context.Context, rule *Rule) error {
	if _, err := r.Get(ctx, rule.OrgID, rule.ID); err != nil {
		return err
	}
	rule.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to marshal rule: %w", err)
	}
	return r.store.Set(ctx, ruleKey(rule.OrgID, rule.ID), data)
}

// Get loads one rule.
func (r *Repository) Get(ctx context.Context, orgID, id string) (*Rule, error) {
	data, err := r.store.Get(ctx, ruleKey(orgID, id))
	if err != nil {
		return nil, err
	}
	var rule Rule
	if err := json.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("failed to decode rule: %w", err)
	}
	return &rule, nil
}

// Delete removes one rule.
func (r *Repository) Delete(ctx context.Context, orgID, id string) error {
	return r.store.Delete(ctx, ruleKey(orgID, id))
}

// SetEnabled toggles a rule without touching its definition.
func (r *Repository) SetEnabled(ctx context.Context, orgID, id string, enabled bool) error {
	rule, err := r.Get(ctx, orgID, id)
	if err != nil {
		return err
	}
	rule.Enabled = enabled
	return r.Update(ctx, rule)
}

// listOrg loads all rules under one org key prefix, in insertion order
// (created_at, then id for ties).
func (r *Repository) listOrg(ctx context.Context, orgID string) ([]Rule, error) {
	entries, err := r.store.ScanByPrefix(ctx, fmt.Sprintf("rule:%s:", orgID))
	if err != nil {
		return nil, err
	}

	rules := make([]Rule, 0, len(entries))
	for _, data := range entries {
		var rule Rule
		if err := json.Unmarshal(data, &rule); err != nil {
			continue
		}
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].ID < rules[j].ID
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
	return rules, nil
}

// ListForOrg returns the union of GLOBAL rules and the tenant's rules,
// global rules first, each set in insertion order.
func (r *Repository) ListForOrg(ctx context.Context, orgID string) ([]Rule, error) {
	global, err := r.listOrg(ctx, GlobalOrgID)
	if err != nil {
		return nil, err
	}
	if orgID == "" || orgID == GlobalOrgID {
		return global, nil
	}
	tenant, err := r.listOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return append(global, tenant...), nil
}

// SeedDefaults installs the built-in global rules once. Existing rules are
// left untouched.
func (r *Repository) SeedDefaults(ctx context.Context) error {
	existing, err := r.listOrg(ctx, GlobalOrgID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	base := time.Now().UTC()
	defaults := []Rule{
		{
			ID:        "global-toxicity-block",
			Name:      "Block severe toxicity",
			Condition: "toxicity < 0.3",
			Action:    evaluator.ActionBlock,
			Severity:  "critical",
		},
		{
			ID:        "global-low-quality-rewrite",
			Name:      "Rewrite low-quality responses",
			Condition: "overall < 0.6",
			Action:    evaluator.ActionRewrite,
			Severity:  "medium",
		},
		{
			ID:        "global-violation-flag",
			Name:      "Flag responses with violations",
			Condition: "contains violations and overall < 0.8",
			Action:    evaluator.ActionFlag,
			Severity:  "low",
		},
	}
	for i := range defaults {
		defaults[i].OrgID = GlobalOrgID
		defaults[i].Enabled = true
		// Preserve insertion order across map-backed scans.
		defaults[i].CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		if err := r.Create(ctx, &defaults[i]); err != nil {
			return err
		}
	}
	return nil
}
