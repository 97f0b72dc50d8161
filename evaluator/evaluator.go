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

// Package evaluator runs the mesh of scoring components over each
// prompt/response pair and aggregates their outputs into a single
// evaluation result. Built-in evaluators cover toxicity, policy
// compliance, factual accuracy, and brand alignment; third-party plugins
// run in a sandboxed sub-process.
package evaluator

import (
	"context"
	"strings"
)

// Severity grades a violation.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Action is the verdict for a request, shared with the policy engine.
type Action string

const (
	ActionPass    Action = "PASS"
	ActionRewrite Action = "REWRITE"
	ActionBlock   Action = "BLOCK"
	ActionFlag    Action = "FLAG"
)

// Location points at the offending span of the response, when known.
type Location struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Violation is a single issue found by an evaluator.
type Violation struct {
	Type        string    `json:"type"`
	Severity    Severity  `json:"severity"`
	Message     string    `json:"message"`
	Confidence  float64   `json:"confidence"`
	Location    *Location `json:"location,omitempty"`
	Suggestions []string  `json:"suggestions,omitempty"`
}

// Dimension names for the four scored axes.
const (
	DimToxicity   = "toxicity"
	DimCompliance = "policyCompliance"
	DimAccuracy   = "factualAccuracy"
	DimBrand      = "brandAlignment"
)

// Scores holds the per-dimension scores, all in [0,1] where 1 = safe/good.
type Scores struct {
	FactualAccuracy  float64 `json:"factualAccuracy"`
	PolicyCompliance float64 `json:"policyCompliance"`
	BrandAlignment   float64 `json:"brandAlignment"`
	Toxicity         float64 `json:"toxicity"`
	Overall          float64 `json:"overall"`
}

// Overall score weights.
const (
	WeightToxicity   = 0.30
	WeightCompliance = 0.30
	WeightAccuracy   = 0.25
	WeightBrand      = 0.15
)

// ComputeOverall applies the fixed weighting to the four dimensions.
func ComputeOverall(s Scores) float64 {
	return WeightToxicity*s.Toxicity +
		WeightCompliance*s.PolicyCompliance +
		WeightAccuracy*s.FactualAccuracy +
		WeightBrand*s.BrandAlignment
}

// Input is what every evaluator receives.
type Input struct {
	Prompt        string   `json:"prompt"`
	Response      string   `json:"response"`
	OrgID         string   `json:"org_id"`
	Model         string   `json:"model,omitempty"`
	Context       []string `json:"context,omitempty"`
	DocumentsUsed []string `json:"documents_used,omitempty"`
}

// Output is one evaluator's contribution.
type Output struct {
	// Dimension names the score axis this evaluator feeds. Outputs with an
	// unknown dimension contribute violations and confidence only.
	Dimension string `json:"dimension"`

	// Score in [0,1]; 1 = safe/good.
	Score float64 `json:"score"`

	Violations []Violation `json:"violations,omitempty"`
}

// Evaluator is a single scoring component in the mesh.
type Evaluator interface {
	// Name identifies the evaluator in logs and violation ordering.
	Name() string

	// Priority orders violation concatenation (higher first). Built-ins
	// use 10; plugins declare theirs in the manifest (1-10).
	Priority() int

	// Trigger is an optional condition gating whether the evaluator runs
	// for a given input. Empty means always.
	Trigger() string

	// Evaluate scores the input. Errors and panics are absorbed by the
	// mesh and replaced with a neutral result.
	Evaluate(ctx context.Context, in Input) (*Output, error)
}

// Result is the aggregated evaluation handed to the policy engine.
type Result struct {
	Score            float64     `json:"score"`
	Violations       []Violation `json:"violations"`
	Rewrite          string      `json:"rewrite,omitempty"`
	Action           Action      `json:"action"`
	EvaluationScores Scores      `json:"evaluationScores"`
	Confidence       float64     `json:"confidence"`
	DocumentsUsed    []string    `json:"documentsUsed"`
}

// Clamp01 bounds v to [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// matchTrigger evaluates a trigger condition against the input. Supported
// forms: "" (always), "always", "model <prefix>", "prompt contains <text>",
// "response contains <text>". Unknown conditions never match, so a bad
// trigger disables its evaluator rather than running it unconditionally.
func matchTrigger(trigger string, in Input) bool {
	trigger = strings.TrimSpace(strings.ToLower(trigger))
	switch {
	case trigger == "" || trigger == "always":
		return true
	case strings.HasPrefix(trigger, "model "):
		return strings.HasPrefix(strings.ToLower(in.Model), strings.TrimSpace(strings.TrimPrefix(trigger, "model ")))
	case strings.HasPrefix(trigger, "prompt contains "):
		return strings.Contains(strings.ToLower(in.Prompt), strings.TrimSpace(strings.TrimPrefix(trigger, "prompt contains ")))
	case strings.HasPrefix(trigger, "response contains "):
		return strings.Contains(strings.ToLower(in.Response), strings.TrimSpace(strings.TrimPrefix(trigger, "response contains ")))
	}
	return false
}

// containsAny reports whether text contains any of the given keywords,
// case-insensitive.
func containsAny(text string, keywords []string) (string, bool) {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return kw, true
		}
	}
	return "", false
}
