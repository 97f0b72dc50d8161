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
	"strings"
	"testing"
	"time"
)

func validManifest() Manifest {
	return Manifest{
		ID:      "sentiment-check",
		Version: "1.0.0",
		Evaluators: []ManifestEvaluator{{
			Name:           "sentiment",
			Dimension:      DimBrand,
			Priority:       5,
			TimeoutSeconds: 10,
		}},
		Sandbox: SandboxConfig{MemoryMB: 128, TimeoutSeconds: 10},
	}
}

func TestManifestValidate(t *testing.T) {
	t.Run("valid manifest", func(t *testing.T) {
		m := validManifest()
		if err := m.Validate(); err != nil {
			t.Errorf("Validate() error = %v", err)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		m := validManifest()
		m.ID = ""
		if err := m.Validate(); err == nil {
			t.Error("Validate() should require id")
		}
	})

	t.Run("missing version", func(t *testing.T) {
		m := validManifest()
		m.Version = ""
		if err := m.Validate(); err == nil {
			t.Error("Validate() should require version")
		}
	})

	t.Run("no evaluators", func(t *testing.T) {
		m := validManifest()
		m.Evaluators = nil
		if err := m.Validate(); err == nil {
			t.Error("Validate() should require at least one evaluator")
		}
	})

	t.Run("priority bounds", func(t *testing.T) {
		for _, p := range []int{0, 11, -1} {
			m := validManifest()
			m.Evaluators[0].Priority = p
			if err := m.Validate(); err == nil {
				t.Errorf("Validate() should reject priority %d", p)
			}
		}
		for _, p := range []int{1, 10} {
			m := validManifest()
			m.Evaluators[0].Priority = p
			if err := m.Validate(); err != nil {
				t.Errorf("Validate() rejected valid priority %d: %v", p, err)
			}
		}
	})

	t.Run("timeout bounds", func(t *testing.T) {
		for _, secs := range []int{0, 31} {
			m := validManifest()
			m.Evaluators[0].TimeoutSeconds = secs
			if err := m.Validate(); err == nil {
				t.Errorf("Validate() should reject timeout %ds", secs)
			}
		}
	})
}

func TestPluginRegistry(t *testing.T) {
	runner := NewSandboxRunner([]string{"node"}, t.TempDir())
	r := NewPluginRegistry(runner)

	p := &Plugin{Manifest: validManifest(), Code: "module.exports = {}"}

	evaluators, err := r.Load(p)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(evaluators) != 1 {
		t.Fatalf("len(evaluators) = %d, want 1", len(evaluators))
	}
	if got := evaluators[0].Name(); got != "sentiment-check/sentiment" {
		t.Errorf("Name() = %q", got)
	}
	if evaluators[0].Priority() != 5 {
		t.Errorf("Priority() = %d, want 5", evaluators[0].Priority())
	}

	t.Run("duplicate load rejected", func(t *testing.T) {
		if _, err := r.Load(p); err == nil {
			t.Error("Load() should reject duplicate plugin ids")
		}
	})

	t.Run("code required", func(t *testing.T) {
		empty := &Plugin{Manifest: validManifest()}
		empty.Manifest.ID = "other"
		if _, err := r.Load(empty); err == nil {
			t.Error("Load() should require code")
		}
	})

	t.Run("list", func(t *testing.T) {
		manifests := r.List()
		if len(manifests) != 1 || manifests[0].ID != "sentiment-check" {
			t.Errorf("List() = %+v", manifests)
		}
	})
}

func TestSandboxedEvaluatorFailureIsNeutral(t *testing.T) {
	// An interpreter that does not exist forces a spawn failure; the
	// evaluator must degrade to the neutral result instead of erroring.
	runner := NewSandboxRunner([]string{"definitely-not-a-real-binary-xyz"}, t.TempDir())
	p := &Plugin{Manifest: validManifest(), Code: "x"}

	e := &SandboxedEvaluator{
		plugin:  p,
		decl:    p.Manifest.Evaluators[0],
		runner:  runner,
		timeout: 2 * time.Second,
	}

	out, err := e.Evaluate(context.Background(), Input{Prompt: "p", Response: "r"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v, want nil (neutral degradation)", err)
	}
	if out.Score != 0.5 {
		t.Errorf("Score = %v, want neutral 0.5", out.Score)
	}
	if len(out.Violations) != 1 || out.Violations[0].Type != "evaluation_error" {
		t.Fatalf("Violations = %+v, want single evaluation_error", out.Violations)
	}
	if out.Violations[0].Severity != SeverityMedium {
		t.Errorf("Severity = %v, want MEDIUM", out.Violations[0].Severity)
	}
	if !strings.Contains(out.Violations[0].Message, "sentiment") {
		t.Errorf("Message = %q, should identify the evaluator", out.Violations[0].Message)
	}
}
