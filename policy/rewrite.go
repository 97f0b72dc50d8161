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
	"fmt"
	"strings"

	"modelgate/platform/evaluator"
)

// Canned disclaimers used when the matched rule carries no template.
const (
	PolicyDisclaimer   = "This response has been reviewed and adjusted to comply with organizational policies."
	AccuracyDisclaimer = "Please verify independently."
	RedactedToken      = "[REDACTED]"
)

// GenerateRewrite produces the rewrite text for a REWRITE decision.
// With a template, {rule_name}, {violations}, and {score} are substituted.
// Without one, a disclaimer matching the dominant violation class is used.
func GenerateRewrite(rule *Rule, result *evaluator.Result) string {
	if rule != nil && rule.RewriteTemplate != "" {
		text := rule.RewriteTemplate
		text = strings.ReplaceAll(text, "{rule_name}", rule.Name)
		text = strings.ReplaceAll(text, "{violations}", violationSummary(result.Violations))
		text = strings.ReplaceAll(text, "{score}", fmt.Sprintf("%.2f", result.EvaluationScores.Overall))
		return text
	}

	switch dominantViolationClass(result) {
	case "toxicity":
		return RedactedToken
	case "accuracy":
		return AccuracyDisclaimer
	default:
		return PolicyDisclaimer
	}
}

// ApplyRewrite merges the rewrite text into the original response.
// Severe toxicity replaces the content outright; disclaimers append.
func ApplyRewrite(original, rewrite string) string {
	if rewrite == RedactedToken {
		return RedactedToken
	}
	if original == "" {
		return rewrite
	}
	return original + "\n\n" + rewrite
}

// violationSummary joins violation messages for template substitution.
func violationSummary(violations []evaluator.Violation) string {
	if len(violations) == 0 {
		return "none"
	}
	msgs := make([]string, 0, len(violations))
	for _, v := range violations {
		msgs = append(msgs, v.Message)
	}
	return strings.Join(msgs, "; ")
}

// dominantViolationClass picks the disclaimer class: severe toxicity wins,
// then accuracy, then general policy.
func dominantViolationClass(result *evaluator.Result) string {
	for _, v := range result.Violations {
		if strings.HasPrefix(v.Type, "toxic") &&
			(v.Severity == evaluator.SeverityHigh || v.Severity == evaluator.SeverityCritical) {
			return "toxicity"
		}
	}
	for _, v := range result.Violations {
		if strings.HasPrefix(v.Type, "accuracy") {
			return "accuracy"
		}
	}
	if result.EvaluationScores.FactualAccuracy < 0.5 {
		return "accuracy"
	}
	return "policy"
}
