// Copyright 2025 Tom Barlow
//
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

// Package orchspec defines the on-disk, YAML-tagged description of a
// workflow: WorkflowSpec and its StepDescriptors.
package orchspec

import (
	"fmt"
	"os"
	"sort"

	"github.com/tombee/orchestrator/pkg/orcherrors"
	"gopkg.in/yaml.v3"
)

// ErrorMode controls what happens to a step and its dependents once
// retries are exhausted.
type ErrorMode string

const (
	ErrorModeAbort    ErrorMode = "abort"
	ErrorModeContinue ErrorMode = "continue"
	ErrorModeSkip     ErrorMode = "skip"
)

// StepDescriptor describes one node of the workflow's step graph.
type StepDescriptor struct {
	StepID              string         `yaml:"step_id"`
	SkillID              string         `yaml:"skill_id"`
	Inputs               map[string]any `yaml:"inputs,omitempty"`
	DependsOn             []string       `yaml:"depends_on,omitempty"`
	MaxRetries            int            `yaml:"max_retries,omitempty"`
	RetryBackoffBaseMS    int64          `yaml:"retry_backoff_base_ms,omitempty"`
	ErrorMode             ErrorMode      `yaml:"error_mode,omitempty"`
	IdempotencyKey        string         `yaml:"idempotency_key,omitempty"`
	EstimatedCostMinor     int64          `yaml:"estimated_cost_minor,omitempty"`
	TimeoutMS              int64          `yaml:"timeout_ms,omitempty"`

	// Condition is a supplemented feature (see SPEC_FULL.md): an optional
	// expr-lang boolean gate evaluated against {inputs, steps} before the
	// step runs. A false condition marks the step skipped, distinct from
	// error_mode: skip.
	Condition string `yaml:"condition,omitempty"`

	// OutputSchema is a supplemented feature: a minimal schema the step's
	// output is validated against after a successful invocation.
	OutputSchema *OutputSchema `yaml:"output_schema,omitempty"`

	// NullTolerantInputs names dependencies (by step_id) whose failure
	// under error_mode: continue should not transitively fail this step —
	// the escape hatch for Open Question decision 2 in SPEC_FULL.md §9.
	NullTolerantInputs []string `yaml:"null_tolerant_inputs,omitempty"`
}

// OutputSchema is a minimal structural schema for a skill's output,
// enough to catch shape drift without pulling in a full JSON Schema
// validator (no example repo in the corpus depends on one for this
// purpose).
type OutputSchema struct {
	RequiredFields []string `yaml:"required_fields,omitempty"`
}

// WorkflowSpec is the immutable description of a workflow.
type WorkflowSpec struct {
	WorkflowID         string           `yaml:"workflow_id"`
	Version            string           `yaml:"version"`
	WorkflowCeilingMinor int64            `yaml:"workflow_ceiling_minor"`
	TimeoutMS           int64            `yaml:"timeout_ms,omitempty"`
	Steps               []StepDescriptor `yaml:"steps"`
}

// Load reads and validates a WorkflowSpec from a YAML file.
func Load(path string) (*WorkflowSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("orchspec: read %s: %w", path, err)
	}
	var spec WorkflowSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("orchspec: parse %s: %w", path, err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// StepByID returns the step with the given id, or nil.
func (s *WorkflowSpec) StepByID(id string) *StepDescriptor {
	for i := range s.Steps {
		if s.Steps[i].StepID == id {
			return &s.Steps[i]
		}
	}
	return nil
}

// Validate enforces I2 (depends_on forms a DAG) and basic structural
// integrity: unique step ids, depends_on referencing only declared
// steps.
func (s *WorkflowSpec) Validate() error {
	if s.WorkflowID == "" {
		return &orcherrors.ValidationError{Field: "workflow_id", Message: "must not be empty"}
	}
	if len(s.Steps) == 0 {
		return &orcherrors.ValidationError{Field: "steps", Message: "workflow must declare at least one step"}
	}

	seen := make(map[string]bool, len(s.Steps))
	for _, step := range s.Steps {
		if step.StepID == "" {
			return &orcherrors.ValidationError{Field: "steps[].step_id", Message: "step_id must not be empty"}
		}
		if seen[step.StepID] {
			return &orcherrors.ValidationError{Field: "steps[].step_id", Message: fmt.Sprintf("duplicate step_id %q", step.StepID)}
		}
		seen[step.StepID] = true
		if step.ErrorMode != "" && step.ErrorMode != ErrorModeAbort && step.ErrorMode != ErrorModeContinue && step.ErrorMode != ErrorModeSkip {
			return &orcherrors.ValidationError{Field: "steps[].error_mode", Message: fmt.Sprintf("step %q: unknown error_mode %q", step.StepID, step.ErrorMode)}
		}
	}
	for _, step := range s.Steps {
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return &orcherrors.ValidationError{Field: "steps[].depends_on", Message: fmt.Sprintf("step %q depends on undeclared step %q", step.StepID, dep)}
			}
		}
	}

	if _, err := TopologicalOrder(s.Steps); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder resolves depends_on into a deterministic schedule:
// a standard Kahn's-algorithm topological sort where the ready set is
// always consumed in step_id lexicographic order, satisfying I2 (DAG,
// cycles rejected) and the stable tie-break §4.6 requires.
func TopologicalOrder(steps []StepDescriptor) ([]StepDescriptor, error) {
	byID := make(map[string]StepDescriptor, len(steps))
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))

	for _, step := range steps {
		byID[step.StepID] = step
		if _, ok := indegree[step.StepID]; !ok {
			indegree[step.StepID] = 0
		}
	}
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			indegree[step.StepID]++
			dependents[dep] = append(dependents[dep], step.StepID)
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []StepDescriptor
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, byID[id])

		next := append([]string(nil), dependents[id]...)
		sort.Strings(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(steps) {
		return nil, &orcherrors.ValidationError{Field: "steps[].depends_on", Message: "depends_on graph contains a cycle"}
	}
	return order, nil
}
