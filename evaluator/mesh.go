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

package evaluator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"modelgate/platform/shared/logger"
)

// DefaultEvaluatorTimeout bounds a single evaluator's run inside the mesh.
const DefaultEvaluatorTimeout = 10 * time.Second

// Mesh dispatches all enabled evaluators concurrently and aggregates their
// outputs. Settle-all semantics: a failing evaluator contributes a defaulted
// result and never aborts its peers.
type Mesh struct {
	evaluators []Evaluator
	timeout    time.Duration
	log        *logger.Logger
	mu         sync.RWMutex
}

// NewMesh creates a mesh over the given evaluators.
func NewMesh(evaluators []Evaluator) *Mesh {
	return &Mesh{
		evaluators: evaluators,
		timeout:    DefaultEvaluatorTimeout,
		log:        logger.New("evaluator-mesh"),
	}
}

// Add registers an additional evaluator (e.g. a loaded plugin).
func (m *Mesh) Add(e Evaluator) {
	m.mu.Lock()
	m.evaluators = append(m.evaluators, e)
	m.mu.Unlock()
}

// Evaluators returns a snapshot of the registered evaluators.
func (m *Mesh) Evaluators() []Evaluator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Evaluator, len(m.evaluators))
	copy(out, m.evaluators)
	return out
}

// settled is one evaluator's outcome with bookkeeping for deterministic
// violation ordering.
type settled struct {
	evaluator Evaluator
	order     int
	output    *Output
	failed    bool
}

// Run executes every triggered evaluator concurrently and aggregates.
func (m *Mesh) Run(ctx context.Context, in Input) *Result {
	evaluators := m.Evaluators()

	var wg sync.WaitGroup
	results := make([]settled, len(evaluators))

	for i, e := range evaluators {
		if !matchTrigger(e.Trigger(), in) {
			continue
		}
		wg.Add(1)
		go func(i int, e Evaluator) {
			defer wg.Done()
			results[i] = m.runOne(ctx, e, i, in)
		}(i, e)
	}
	wg.Wait()

	return m.aggregate(results, in)
}

// runOne executes a single evaluator with timeout and panic recovery.
// Failures yield the neutral result so the pipeline never stalls.
func (m *Mesh) runOne(ctx context.Context, e Evaluator, order int, in Input) (out settled) {
	out = settled{evaluator: e, order: order}

	defer func() {
		if r := recover(); r != nil {
			m.log.Error(in.OrgID, "", "evaluator panicked", map[string]interface{}{
				"evaluator": e.Name(),
				"panic":     fmt.Sprint(r),
			})
			out.output = neutralOutput(e.Name())
			out.failed = true
		}
	}()

	evalCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	result, err := e.Evaluate(evalCtx, in)
	if err != nil || result == nil {
		if err != nil {
			m.log.Warn(in.OrgID, "", "evaluator failed", map[string]interface{}{
				"evaluator": e.Name(),
				"error":     fmt.Sprint(err),
			})
		}
		out.output = neutralOutput(e.Name())
		out.failed = true
		return out
	}
	result.Score = Clamp01(result.Score)
	out.output = result
	return out
}

// neutralOutput is the defaulted contribution for a crashed or timed-out
// evaluator: mid score plus an evaluation_error violation.
func neutralOutput(name string) *Output {
	return &Output{
		Score: 0.5,
		Violations: []Violation{{
			Type:       "evaluation_error",
			Severity:   SeverityMedium,
			Message:    "evaluator " + name + " failed to produce a result",
			Confidence: 1.0,
		}},
	}
}

// aggregate folds the settled outputs into a Result: dimension scores
// (missing dimension defaults to 1.0), weighted overall, confidence from
// score variance and violation count, violations ordered by priority then
// insertion, and a preliminary action.
func (m *Mesh) aggregate(results []settled, in Input) *Result {
	scores := Scores{
		FactualAccuracy:  1.0,
		PolicyCompliance: 1.0,
		BrandAlignment:   1.0,
		Toxicity:         1.0,
	}

	var collected []settled
	var rawScores []float64
	for _, r := range results {
		if r.output == nil {
			continue // not triggered
		}
		collected = append(collected, r)
		rawScores = append(rawScores, r.output.Score)

		switch r.output.Dimension {
		case DimToxicity:
			scores.Toxicity = r.output.Score
		case DimCompliance:
			scores.PolicyCompliance = r.output.Score
		case DimAccuracy:
			scores.FactualAccuracy = r.output.Score
		case DimBrand:
			scores.BrandAlignment = r.output.Score
		}
	}

	scores.Overall = ComputeOverall(scores)

	// Deterministic violation order: evaluator priority descending, then
	// mesh insertion order.
	sort.SliceStable(collected, func(i, j int) bool {
		pi, pj := collected[i].evaluator.Priority(), collected[j].evaluator.Priority()
		if pi != pj {
			return pi > pj
		}
		return collected[i].order < collected[j].order
	})

	var violations []Violation
	for _, r := range collected {
		violations = append(violations, r.output.Violations...)
	}

	return &Result{
		Score:            scores.Overall,
		Violations:       violations,
		Action:           previewAction(scores, violations),
		EvaluationScores: scores,
		Confidence:       computeConfidence(rawScores, len(violations)),
		DocumentsUsed:    in.DocumentsUsed,
	}
}

// computeConfidence = max(0.1, 1 - 2*variance(scores) - 0.1*|violations|),
// clamped to [0,1].
func computeConfidence(scores []float64, violationCount int) float64 {
	variance := 0.0
	if len(scores) > 0 {
		mean := 0.0
		for _, s := range scores {
			mean += s
		}
		mean /= float64(len(scores))
		for _, s := range scores {
			variance += (s - mean) * (s - mean)
		}
		variance /= float64(len(scores))
	}

	confidence := 1.0 - 2.0*variance - 0.1*float64(violationCount)
	if confidence < 0.1 {
		confidence = 0.1
	}
	return Clamp01(confidence)
}

// criticalKeywords force a BLOCK preview when present in violation text.
var criticalKeywords = []string{"toxic", "harmful", "illegal", "discriminatory"}

// majorKeywords suggest a REWRITE preview.
var majorKeywords = []string{"inaccurate", "misleading", "inappropriate", "ungrounded"}

// previewAction proposes the preliminary action. The policy engine may
// override it.
func previewAction(scores Scores, violations []Violation) Action {
	if scores.Toxicity < 0.3 {
		return ActionBlock
	}
	for _, v := range violations {
		text := strings.ToLower(v.Type + " " + v.Message)
		if _, found := containsAny(text, criticalKeywords); found {
			return ActionBlock
		}
	}

	if scores.Overall < 0.6 {
		return ActionRewrite
	}
	for _, v := range violations {
		text := strings.ToLower(v.Type + " " + v.Message)
		if _, found := containsAny(text, majorKeywords); found {
			return ActionRewrite
		}
	}

	return ActionPass
}
