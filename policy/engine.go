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
	"strings"

	"modelgate/platform/evaluator"
	"modelgate/platform/shared/logger"
)

// Engine evaluates the rule set for a tenant and resolves the final action.
type Engine struct {
	rules *Repository
	log   *logger.Logger
}

// NewEngine creates a policy engine over the given rule repository.
func NewEngine(rules *Repository) *Engine {
	return &Engine{
		rules: rules,
		log:   logger.New("policy-engine"),
	}
}

// Evaluate runs the decision pipeline: iterate enabled GLOBAL + tenant
// rules in insertion order, apply action precedence (BLOCK > REWRITE >
// FLAG > PASS, short-circuit on BLOCK), then the business overrides, then
// rewrite generation.
func (e *Engine) Evaluate(ctx context.Context, result *evaluator.Result, pctx Context) (*Decision, error) {
	rules, err := e.rules.ListForOrg(ctx, pctx.OrgID)
	if err != nil {
		return nil, err
	}

	decision := &Decision{
		Action:       evaluator.ActionPass,
		AppliedRules: []string{},
	}

	var matchedRewriteRule *Rule

	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled {
			continue
		}
		if !EvalCondition(rule.Condition, result, pctx) {
			continue
		}

		decision.AppliedRules = append(decision.AppliedRules, rule.ID)

		if allowedTransition(decision.Action, rule.Action) {
			decision.Action = rule.Action
		}
		// First matched rewrite rule supplies the template.
		if rule.Action == evaluator.ActionRewrite && matchedRewriteRule == nil {
			matchedRewriteRule = rule
		}

		// Strongest action wins; nothing outranks BLOCK.
		if decision.Action == evaluator.ActionBlock {
			break
		}
	}

	e.applyOverrides(decision, result, pctx)
	decision.Confidence = actionConfidence(decision.Action)

	if decision.Action == evaluator.ActionRewrite {
		decision.Rewrite = GenerateRewrite(matchedRewriteRule, result)
	}

	if len(decision.AppliedRules) > 0 {
		e.log.Info(pctx.OrgID, "", "policy decision", map[string]interface{}{
			"action":        string(decision.Action),
			"applied_rules": decision.AppliedRules,
			"overridden":    decision.Overridden,
		})
	}
	return decision, nil
}

// applyOverrides adjusts the rule verdict with the business-logic overrides,
// in order:
//  1. during business hours a BLOCK downgrades to REWRITE when overall > 0.3
//  2. for admin users a BLOCK downgrades to FLAG when toxicity > 0.1
//  3. a FLAG with evaluation confidence > 0.9 upgrades to REWRITE
func (e *Engine) applyOverrides(decision *Decision, result *evaluator.Result, pctx Context) {
	if decision.Action == evaluator.ActionBlock &&
		isBusinessHours(pctx.TimeOfDay) &&
		result.EvaluationScores.Overall > 0.3 {
		decision.Action = evaluator.ActionRewrite
		decision.Overridden = true
		decision.OverrideReason = "business-hours block downgraded to rewrite"
	}

	if decision.Action == evaluator.ActionBlock &&
		strings.EqualFold(pctx.UserRole, "admin") &&
		result.EvaluationScores.Toxicity > 0.1 {
		decision.Action = evaluator.ActionFlag
		decision.Overridden = true
		decision.OverrideReason = "admin block downgraded to flag"
	}

	if decision.Action == evaluator.ActionFlag && result.Confidence > 0.9 {
		decision.Action = evaluator.ActionRewrite
		decision.Overridden = true
		decision.OverrideReason = "high-confidence flag upgraded to rewrite"
	}
}

// actionConfidence maps the final action to the reported decision
// confidence.
func actionConfidence(a evaluator.Action) float64 {
	switch a {
	case evaluator.ActionBlock:
		return 0.95
	case evaluator.ActionRewrite:
		return 0.8
	case evaluator.ActionFlag:
		return 0.7
	}
	return 1.0
}
