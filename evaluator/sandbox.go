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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"modelgate/platform/shared/logger"
)

// SandboxRunner executes plugin code in an isolated sub-process rather than
// in-process. The plugin's evaluate entry point receives one JSON document
// on stdin and must print one JSON result document on stdout:
//
//	in:  {"evaluator": "...", "prompt": "...", "response": "...", "org_id": "...", "context": [...]}
//	out: {"score": 0.8, "violations": [{"type": "...", "severity": "...", "message": "..."}]}
//
// Wall-clock enforcement comes from the exec context; the memory cap and
// network policy are passed to the interpreter via MODELGATE_SANDBOX_* env
// vars, which the harness script enforces before loading plugin code.
type SandboxRunner struct {
	// Interpreter is the command that hosts plugin code, e.g.
	// ["node", "sandbox-host.js"]. The plugin file path is appended.
	Interpreter []string

	// WorkDir holds materialized plugin code files.
	WorkDir string

	log *logger.Logger
}

// NewSandboxRunner creates a runner with the given interpreter command.
func NewSandboxRunner(interpreter []string, workDir string) *SandboxRunner {
	return &SandboxRunner{
		Interpreter: interpreter,
		WorkDir:     workDir,
		log:         logger.New("plugin-sandbox"),
	}
}

// sandboxRequest is the JSON document handed to the plugin process.
type sandboxRequest struct {
	Evaluator string   `json:"evaluator"`
	Prompt    string   `json:"prompt"`
	Response  string   `json:"response"`
	OrgID     string   `json:"org_id"`
	Context   []string `json:"context,omitempty"`
}

// sandboxResponse is the JSON document expected back.
type sandboxResponse struct {
	Score      float64     `json:"score"`
	Violations []Violation `json:"violations,omitempty"`
}

// Run executes one evaluator of a plugin against the input. Timeouts and
// process failures return an error; SandboxedEvaluator maps those to the
// neutral plugin result.
func (r *SandboxRunner) Run(ctx context.Context, p *Plugin, evaluatorName string, in Input) (*Output, error) {
	if len(r.Interpreter) == 0 {
		return nil, fmt.Errorf("sandbox interpreter not configured")
	}

	codePath, err := r.materialize(p)
	if err != nil {
		return nil, err
	}

	args := append(append([]string{}, r.Interpreter[1:]...), codePath)
	cmd := exec.CommandContext(ctx, r.Interpreter[0], args...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("MODELGATE_SANDBOX_MEMORY_MB=%d", p.Manifest.Sandbox.MemoryMB),
		fmt.Sprintf("MODELGATE_SANDBOX_NETWORK=%t", p.Manifest.Sandbox.NetworkAccess),
		fmt.Sprintf("MODELGATE_SANDBOX_ALLOWED_DOMAINS=%s", joinDomains(p.Manifest.Sandbox.AllowedDomains)),
	)

	reqJSON, err := json.Marshal(sandboxRequest{
		Evaluator: evaluatorName,
		Prompt:    in.Prompt,
		Response:  in.Response,
		OrgID:     in.OrgID,
		Context:   in.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sandbox request: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(reqJSON)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("plugin %s evaluator %s timed out", p.Manifest.ID, evaluatorName)
		}
		return nil, fmt.Errorf("plugin %s evaluator %s failed: %v: %s", p.Manifest.ID, evaluatorName, err, stderr.String())
	}

	var resp sandboxResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("plugin %s returned malformed output: %w", p.Manifest.ID, err)
	}

	return &Output{Score: Clamp01(resp.Score), Violations: resp.Violations}, nil
}

// materialize writes the plugin code to a file once per plugin id+version.
func (r *SandboxRunner) materialize(p *Plugin) (string, error) {
	if r.WorkDir == "" {
		r.WorkDir = filepath.Join(os.TempDir(), "modelgate-plugins")
	}
	if err := os.MkdirAll(r.WorkDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create plugin dir: %w", err)
	}

	path := filepath.Join(r.WorkDir, fmt.Sprintf("%s-%s.js", p.Manifest.ID, p.Manifest.Version))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	tmp := path + "." + uuid.New().String() + ".tmp"
	if err := os.WriteFile(tmp, []byte(p.Code), 0o600); err != nil {
		return "", fmt.Errorf("failed to write plugin code: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to install plugin code: %w", err)
	}
	return path, nil
}

func joinDomains(domains []string) string {
	out := ""
	for i, d := range domains {
		if i > 0 {
			out += ","
		}
		out += d
	}
	return out
}

// SandboxedEvaluator adapts one plugin evaluator to the Evaluator interface.
// A run exceeding its timeout yields the neutral plugin result so the
// overall request still proceeds.
type SandboxedEvaluator struct {
	plugin  *Plugin
	decl    ManifestEvaluator
	runner  *SandboxRunner
	timeout time.Duration
}

// Name identifies the evaluator as plugin-id/evaluator-name.
func (e *SandboxedEvaluator) Name() string {
	return e.plugin.Manifest.ID + "/" + e.decl.Name
}

// Priority comes from the manifest declaration.
func (e *SandboxedEvaluator) Priority() int { return e.decl.Priority }

// Trigger comes from the manifest declaration.
func (e *SandboxedEvaluator) Trigger() string { return e.decl.Trigger }

// Evaluate runs the plugin in its sandbox. Failures map to the neutral
// result rather than an error so the mesh records the evaluation_error
// violation with MEDIUM severity.
func (e *SandboxedEvaluator) Evaluate(ctx context.Context, in Input) (*Output, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := e.runner.Run(runCtx, e.plugin, e.decl.Name, in)
	if err != nil {
		return &Output{
			Dimension: e.decl.Dimension,
			Score:     0.5,
			Violations: []Violation{{
				Type:       "evaluation_error",
				Severity:   SeverityMedium,
				Message:    err.Error(),
				Confidence: 1.0,
			}},
		}, nil
	}
	out.Dimension = e.decl.Dimension
	return out, nil
}
