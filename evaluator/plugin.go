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
	"fmt"
	"sync"
	"time"
)

// SandboxConfig caps a plugin's runtime resources.
type SandboxConfig struct {
	MemoryMB       int      `json:"memory"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
	NetworkAccess  bool     `json:"networkAccess"`
	AllowedDomains []string `json:"allowedDomains,omitempty"`
}

// ManifestEvaluator declares one evaluator exported by a plugin.
type ManifestEvaluator struct {
	Name      string `json:"name"`
	Dimension string `json:"dimension,omitempty"`
	Priority  int    `json:"priority"`
	Trigger   string `json:"trigger,omitempty"`

	// TimeoutSeconds bounds this evaluator's run, within [1, 30].
	TimeoutSeconds int `json:"timeoutSeconds"`
}

// Manifest describes a third-party plugin.
type Manifest struct {
	ID          string              `json:"id"`
	Version     string              `json:"version"`
	Evaluators  []ManifestEvaluator `json:"evaluators"`
	Sandbox     SandboxConfig       `json:"sandbox"`
	Permissions []string            `json:"permissions,omitempty"`
}

// Plugin pairs a manifest with the code it executes.
type Plugin struct {
	Manifest Manifest `json:"manifest"`
	Code     string   `json:"code"`
}

// Validate checks the manifest invariants enforced at load time.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("plugin manifest: id is required")
	}
	if m.Version == "" {
		return fmt.Errorf("plugin manifest: version is required")
	}
	if len(m.Evaluators) == 0 {
		return fmt.Errorf("plugin manifest: at least one evaluator is required")
	}
	for i, e := range m.Evaluators {
		if e.Name == "" {
			return fmt.Errorf("plugin manifest: evaluators[%d]: name is required", i)
		}
		if e.Priority < 1 || e.Priority > 10 {
			return fmt.Errorf("plugin manifest: evaluators[%d]: priority must be between 1 and 10", i)
		}
		if e.TimeoutSeconds < 1 || e.TimeoutSeconds > 30 {
			return fmt.Errorf("plugin manifest: evaluators[%d]: timeout must be between 1s and 30s", i)
		}
	}
	return nil
}

// Registry tracks loaded plugins and their sandboxed evaluators.
type Registry struct {
	plugins map[string]*Plugin
	runner  *SandboxRunner
	mu      sync.RWMutex
}

// NewPluginRegistry creates an empty plugin registry using the given runner.
func NewPluginRegistry(runner *SandboxRunner) *Registry {
	return &Registry{
		plugins: make(map[string]*Plugin),
		runner:  runner,
	}
}

// Load validates and registers a plugin, returning the sandboxed evaluators
// to add to the mesh.
func (r *Registry) Load(p *Plugin) ([]Evaluator, error) {
	if err := p.Manifest.Validate(); err != nil {
		return nil, err
	}
	if p.Code == "" {
		return nil, fmt.Errorf("plugin %s: code is required", p.Manifest.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[p.Manifest.ID]; exists {
		return nil, fmt.Errorf("plugin %s already loaded", p.Manifest.ID)
	}
	r.plugins[p.Manifest.ID] = p

	var evaluators []Evaluator
	for _, decl := range p.Manifest.Evaluators {
		evaluators = append(evaluators, &SandboxedEvaluator{
			plugin:  p,
			decl:    decl,
			runner:  r.runner,
			timeout: time.Duration(decl.TimeoutSeconds) * time.Second,
		})
	}
	return evaluators, nil
}

// List returns the loaded plugin manifests.
func (r *Registry) List() []Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Manifest, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p.Manifest)
	}
	return out
}

// Get returns a loaded plugin by id.
func (r *Registry) Get(id string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}
