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
	"strconv"
	"strings"

	"modelgate/platform/evaluator"
)

// EvalCondition interprets a DSL condition string against an evaluation and
// its request context. Composition is infix "and"/"or" with no parentheses;
// "and" binds tighter than "or". Unknown or malformed conditions evaluate
// to false and never raise.
//
// Supported atoms (case-insensitive):
//
//	<metric> <op> <number>     metric: toxicity, compliance, accuracy,
//	                           brand, overall, confidence (plus long names)
//	contains violations
//	violations count <op> <n>
//	business hours | after hours | weekend | weekday
//	user admin | user guest
func EvalCondition(condition string, result *evaluator.Result, ctx Context) bool {
	condition = strings.TrimSpace(strings.ToLower(condition))
	if condition == "" {
		return false
	}

	// "and" binds tighter than "or": split on "or" first, then require
	// every "and" term within a clause.
	for _, clause := range splitKeyword(condition, "or") {
		clauseTrue := true
		for _, atom := range splitKeyword(clause, "and") {
			if !evalAtom(strings.TrimSpace(atom), result, ctx) {
				clauseTrue = false
				break
			}
		}
		if clauseTrue {
			return true
		}
	}
	return false
}

// splitKeyword splits on a lone keyword token so substrings inside words
// ("order", "android") don't split.
func splitKeyword(s, keyword string) []string {
	fields := strings.Fields(s)
	var parts []string
	var current []string
	for _, f := range fields {
		if f == keyword {
			parts = append(parts, strings.Join(current, " "))
			current = nil
			continue
		}
		current = append(current, f)
	}
	parts = append(parts, strings.Join(current, " "))
	return parts
}

func evalAtom(atom string, result *evaluator.Result, ctx Context) bool {
	if atom == "" {
		return false
	}

	switch atom {
	case "contains violations":
		return len(result.Violations) > 0
	case "business hours":
		return isBusinessHours(ctx.TimeOfDay)
	case "after hours":
		return !isBusinessHours(ctx.TimeOfDay)
	case "weekend":
		return ctx.DayOfWeek == 0 || ctx.DayOfWeek == 6 // Sunday, Saturday
	case "weekday":
		return ctx.DayOfWeek >= 1 && ctx.DayOfWeek <= 5
	case "user admin":
		return strings.EqualFold(ctx.UserRole, "admin")
	case "user guest":
		return strings.EqualFold(ctx.UserRole, "guest") || ctx.UserRole == ""
	}

	if strings.HasPrefix(atom, "violations count ") {
		rest := strings.Fields(strings.TrimPrefix(atom, "violations count "))
		if len(rest) != 2 {
			return false
		}
		n, err := strconv.Atoi(rest[1])
		if err != nil {
			return false
		}
		return compareFloat(float64(len(result.Violations)), rest[0], float64(n))
	}

	// Score comparison: <metric> <op> <number>
	fields := strings.Fields(atom)
	if len(fields) != 3 {
		return false
	}
	metric, ok := metricValue(fields[0], result)
	if !ok {
		return false
	}
	threshold, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return false
	}
	return compareFloat(metric, fields[1], threshold)
}

// metricValue resolves a metric name (with aliases) to its score.
func metricValue(name string, result *evaluator.Result) (float64, bool) {
	switch name {
	case "toxicity":
		return result.EvaluationScores.Toxicity, true
	case "policycompliance", "compliance":
		return result.EvaluationScores.PolicyCompliance, true
	case "factualaccuracy", "accuracy":
		return result.EvaluationScores.FactualAccuracy, true
	case "brandalignment", "brand":
		return result.EvaluationScores.BrandAlignment, true
	case "overall":
		return result.EvaluationScores.Overall, true
	case "confidence":
		return result.Confidence, true
	}
	return 0, false
}

// compareFloat applies the operator exactly as written: "<" is strict.
func compareFloat(left float64, op string, right float64) bool {
	switch op {
	case "<":
		return left < right
	case "<=":
		return left <= right
	case ">":
		return left > right
	case ">=":
		return left >= right
	case "=", "==":
		return left == right
	case "!=":
		return left != right
	}
	return false
}

// isBusinessHours reports whether hhmm ("HH:MM") falls in 09:00-17:00.
func isBusinessHours(hhmm string) bool {
	parts := strings.SplitN(hhmm, ":", 2)
	if len(parts) != 2 {
		return false
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	return hour >= 9 && hour < 17
}
