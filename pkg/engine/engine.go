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

// Package engine runs a WorkflowSpec to completion: topological
// scheduling with a stable tie-break, per-step seed derivation, retry
// with deterministic jittered backoff, error-mode propagation, policy
// enforcement, checkpointing, and golden-record recording.
//
// Grounded on pkg/workflow/executor.go's Execute/executeWithRetry (the
// condition-check-then-timeout-then-retry shape is kept) and
// pkg/workflow/workflow.go's State/IsTerminal pattern, generalized from
// the teacher's flat sequential step list to the spec's DAG: this
// engine runs orchspec.TopologicalOrder's output once per node instead
// of range-ing over a slice in file order, and derives every step's
// backoff jitter from that step's own seed instead of an unseeded
// math/rand source (see seed.go).
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/tombee/orchestrator/pkg/checkpoint"
	"github.com/tombee/orchestrator/pkg/golden"
	"github.com/tombee/orchestrator/pkg/metrics"
	"github.com/tombee/orchestrator/pkg/orcherrors"
	"github.com/tombee/orchestrator/pkg/orchspec"
	"github.com/tombee/orchestrator/pkg/policy"
	"github.com/tombee/orchestrator/pkg/sandbox"
)

// Status is a run's terminal or in-flight lifecycle state. BudgetExceeded
// and PolicyViolation are kept distinct from Failed per SPEC_FULL.md §9
// decision 1 — a caller must be able to tell "the plan was denied" from
// "a skill returned an error" without parsing the Error string.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusBudgetExceeded  Status = "budget_exceeded"
	StatusPolicyViolation Status = "policy_violation"
	StatusCancelled       Status = "cancelled"
)

// IsTerminal reports whether a run in this status can make further
// progress.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBudgetExceeded, StatusPolicyViolation, StatusCancelled:
		return true
	default:
		return false
	}
}

// StepOutcome records one step's fate for WorkflowResult.Steps.
type StepOutcome struct {
	StepID   string
	Status   string // "completed", "skipped", "failed", "failed_transitive"
	Attempts int
	Error    string
}

// WorkflowResult is what Run returns: the terminal status, every step's
// accumulated output (for downstream consumption or debugging), and a
// per-step breakdown.
type WorkflowResult struct {
	RunID        string
	WorkflowID   string
	Status       Status
	StepOutputs  map[string]any
	Steps        []StepOutcome
	FailedStepID string
	Error        string
}

// Engine runs workflow specs. Every dependency is optional except
// Registry: a nil Policy skips enforcement, a nil Checkpoints skips
// durability, a nil Recorder skips golden recording, and a nil
// Conditions gets a fresh default evaluator.
type Engine struct {
	Registry    SkillRegistry
	Policy      *policy.Enforcer
	Checkpoints checkpoint.Store
	Recorder    golden.Recorder
	Conditions  *orchspec.ConditionEvaluator
	Metrics     *metrics.Registry

	// Cancel, when non-nil, is polled at every step boundary; a true
	// value stops the run with Status = Cancelled and a checkpoint
	// capturing whatever partial output had already accumulated (the
	// "partial-result capture on abort" supplemented feature).
	Cancel func() bool
}

// NewEngine returns an Engine with the given skill registry and every
// optional dependency left unset.
func NewEngine(registry SkillRegistry) *Engine {
	return &Engine{Registry: registry, Conditions: orchspec.NewConditionEvaluator()}
}

// WithPolicy attaches a policy enforcer.
func (e *Engine) WithPolicy(p *policy.Enforcer) *Engine { e.Policy = p; return e }

// WithCheckpoints attaches a checkpoint store.
func (e *Engine) WithCheckpoints(s checkpoint.Store) *Engine { e.Checkpoints = s; return e }

// WithRecorder attaches a golden recorder.
func (e *Engine) WithRecorder(r golden.Recorder) *Engine { e.Recorder = r; return e }

// WithCancel attaches a cooperative cancellation predicate.
func (e *Engine) WithCancel(fn func() bool) *Engine { e.Cancel = fn; return e }

// WithMetrics attaches a metrics registry; RunsStarted, RunsCompleted,
// StepDuration, and StepRetries are observed once set.
func (e *Engine) WithMetrics(m *metrics.Registry) *Engine { e.Metrics = m; return e }

// Run executes spec from scratch or resumes it from its last checkpoint
// (S6). replay marks the run as a deterministic replay in the golden
// record rather than changing execution semantics — a replaying caller
// is expected to compare the resulting record against a prior one with
// golden.Compare, not to get different behavior out of Run itself.
func (e *Engine) Run(ctx context.Context, spec *orchspec.WorkflowSpec, runID, baseSeed string, replay bool, agentID string) (*WorkflowResult, error) {
	order, err := orchspec.TopologicalOrder(spec.Steps)
	if err != nil {
		return nil, err
	}

	stepOutputs := make(map[string]any)
	failedSteps := make(map[string]bool)
	startIndex := 0
	runHadFailure := false

	if e.Checkpoints != nil {
		cp, err := e.Checkpoints.Load(ctx, runID)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			startIndex = cp.NextStepIndex
			for k, v := range cp.StepOutputs {
				stepOutputs[k] = v
			}
		}
	}

	if spec.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	if startIndex == 0 && e.Recorder != nil {
		if err := e.Recorder.RecordRunStart(runID, spec.WorkflowID, baseSeed, replay); err != nil {
			return nil, err
		}
	}
	if startIndex == 0 && e.Metrics != nil {
		e.Metrics.RunsStarted.WithLabelValues(string(StatusRunning)).Inc()
	}

	result := &WorkflowResult{RunID: runID, WorkflowID: spec.WorkflowID, Status: StatusRunning, StepOutputs: stepOutputs}

	for idx, step := range order {
		if idx < startIndex {
			continue
		}

		if e.Cancel != nil && e.Cancel() {
			return e.finish(ctx, result, runID, spec.WorkflowID, idx, stepOutputs, StatusCancelled, "run cancelled")
		}
		if ctx.Err() != nil {
			status := StatusFailed
			msg := "workflow timeout exceeded"
			if errors.Is(ctx.Err(), context.Canceled) {
				status = StatusCancelled
				msg = "run cancelled"
			}
			return e.finish(ctx, result, runID, spec.WorkflowID, idx, stepOutputs, status, msg)
		}

		transitivelyFailed := false
		for _, dep := range step.DependsOn {
			if failedSteps[dep] && !contains(step.NullTolerantInputs, dep) {
				transitivelyFailed = true
				break
			}
		}
		if transitivelyFailed {
			failedSteps[step.StepID] = true
			stepOutputs[step.StepID] = nil
			runHadFailure = true
			result.Steps = append(result.Steps, StepOutcome{StepID: step.StepID, Status: "failed_transitive"})
			if err := e.checkpointAfter(ctx, runID, spec.WorkflowID, idx+1, stepOutputs, checkpoint.StatusRunning); err != nil {
				return nil, err
			}
			continue
		}

		stepSeed := DeriveStepSeed(baseSeed, idx)

		resolvedInputs, refErr := ResolveReferences(step.Inputs, stepOutputs)
		var conditionTrue = true
		if refErr == nil {
			conditionTrue, refErr = e.Conditions.Evaluate(step.Condition, resolvedInputs, stepOutputs)
		}

		if refErr == nil && !conditionTrue {
			// No stepOutputs entry is written: a skipped step's key must
			// stay absent so a downstream ${step_id} reference fails
			// resolution (ReferenceError) rather than resolving to nil.
			result.Steps = append(result.Steps, StepOutcome{StepID: step.StepID, Status: "skipped"})
			if e.Recorder != nil {
				if err := e.Recorder.RecordStep(idx, step.StepID, stepSeed, nil, 0); err != nil {
					return nil, err
				}
			}
			if err := e.checkpointAfter(ctx, runID, spec.WorkflowID, idx+1, stepOutputs, checkpoint.StatusRunning); err != nil {
				return nil, err
			}
			continue
		}

		var (
			output    map[string]any
			attempts  int
			stepErr   error
			costMinor int64
			duration  time.Duration
		)

		if refErr != nil {
			stepErr = refErr
			attempts = 1
		} else {
			if e.Policy != nil {
				sideEffecting := sandbox.IsSideEffecting(step)
				check := e.Policy.CheckCanExecute(runID, step.StepID, step.EstimatedCostMinor, spec.WorkflowCeilingMinor, sideEffecting, step.IdempotencyKey, agentID)
				if !check.Allow {
					status := StatusPolicyViolation
					if check.Kind == orcherrors.DenyStepCeiling || check.Kind == orcherrors.DenyWorkflowCeiling {
						status = StatusBudgetExceeded
					}
					result.FailedStepID = step.StepID
					return e.finish(ctx, result, runID, spec.WorkflowID, idx, stepOutputs, status, check.Reason)
				}
			}

			invokeStart := time.Now()
			output, attempts, stepErr, costMinor = e.invokeWithRetry(ctx, step, resolvedInputs, stepSeed)
			duration = time.Since(invokeStart)

			if e.Metrics != nil {
				e.Metrics.StepDuration.WithLabelValues(step.SkillID).Observe(duration.Seconds())
				if attempts > 1 {
					kind := "unknown"
					var skillErr *orcherrors.SkillError
					if errors.As(stepErr, &skillErr) {
						kind = string(skillErr.Kind)
					}
					e.Metrics.StepRetries.WithLabelValues(step.SkillID, kind).Add(float64(attempts - 1))
				}
			}

			if stepErr == nil && step.OutputSchema != nil {
				if missing := missingFields(output, step.OutputSchema.RequiredFields); len(missing) > 0 {
					stepErr = &orcherrors.SchemaError{StepID: step.StepID, SkillID: step.SkillID, Field: missing[0], Reason: "required output field missing"}
				}
			}

			if stepErr == nil && e.Policy != nil {
				actual := costMinor
				if actual == 0 {
					actual = step.EstimatedCostMinor
				}
				e.Policy.RecordSpend(runID, actual)
			}
		}

		if stepErr != nil {
			mode := step.ErrorMode
			if mode == "" {
				mode = orchspec.ErrorModeAbort
			}
			switch mode {
			case orchspec.ErrorModeAbort:
				result.FailedStepID = step.StepID
				result.Steps = append(result.Steps, StepOutcome{StepID: step.StepID, Status: "failed", Attempts: attempts, Error: stepErr.Error()})
				if e.Recorder != nil {
					_ = e.Recorder.RecordStep(idx, step.StepID, stepSeed, nil, duration)
				}
				return e.finish(ctx, result, runID, spec.WorkflowID, idx, stepOutputs, StatusFailed, stepErr.Error())
			case orchspec.ErrorModeSkip:
				// No stepOutputs entry is written: dependents must see this
				// step's key as absent, not present-with-nil, so a reference
				// to it raises ReferenceError instead of resolving to nil.
				result.Steps = append(result.Steps, StepOutcome{StepID: step.StepID, Status: "skipped", Attempts: attempts, Error: stepErr.Error()})
			case orchspec.ErrorModeContinue:
				stepOutputs[step.StepID] = nil
				failedSteps[step.StepID] = true
				runHadFailure = true
				result.Steps = append(result.Steps, StepOutcome{StepID: step.StepID, Status: "failed", Attempts: attempts, Error: stepErr.Error()})
			}
			if e.Recorder != nil {
				if err := e.Recorder.RecordStep(idx, step.StepID, stepSeed, nil, duration); err != nil {
					return nil, err
				}
			}
		} else {
			stepOutputs[step.StepID] = output
			result.Steps = append(result.Steps, StepOutcome{StepID: step.StepID, Status: "completed", Attempts: attempts})
			if e.Recorder != nil {
				if err := e.Recorder.RecordStep(idx, step.StepID, stepSeed, output, duration); err != nil {
					return nil, err
				}
			}
		}

		if err := e.checkpointAfter(ctx, runID, spec.WorkflowID, idx+1, stepOutputs, checkpoint.StatusRunning); err != nil {
			return nil, err
		}
	}

	finalStatus := StatusCompleted
	if runHadFailure {
		finalStatus = StatusFailed
	}
	return e.finish(ctx, result, runID, spec.WorkflowID, len(order), stepOutputs, finalStatus, "")
}

// invokeWithRetry runs a single step's retry loop: up to MaxRetries+1
// attempts, sleeping a deterministically jittered backoff between
// attempts, stopping early on a non-retryable error kind.
func (e *Engine) invokeWithRetry(ctx context.Context, step orchspec.StepDescriptor, inputs map[string]any, stepSeed string) (map[string]any, int, error, int64) {
	maxAttempts := step.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		if e.Policy != nil {
			if err := e.Policy.AcquireInvocationSlot(ctx); err != nil {
				return nil, attempt, err, 0
			}
		}

		result, err := e.Registry.Invoke(ctx, step.SkillID, "", inputs, stepSeed)
		if err == nil && result.Err == nil {
			return result.Output, attempt, nil, result.CostMinor
		}

		invokeErr := err
		if invokeErr == nil {
			invokeErr = result.Err
		}
		lastErr = invokeErr

		retryable := result.ErrorKind.Retryable()
		if !retryable || attempt == maxAttempts {
			break
		}

		delay := backoffWithJitter(stepSeed, attempt, step.RetryBackoffBaseMS)
		select {
		case <-ctx.Done():
			return nil, attempt, ctx.Err(), 0
		case <-time.After(delay):
		}
	}
	return nil, attempts, lastErr, 0
}

func (e *Engine) checkpointAfter(ctx context.Context, runID, workflowID string, nextStepIndex int, stepOutputs map[string]any, status checkpoint.Status) error {
	if e.Checkpoints == nil {
		return nil
	}
	_, err := e.Checkpoints.Save(ctx, runID, workflowID, nextStepIndex, stepOutputs, status)
	return err
}

func (e *Engine) finish(ctx context.Context, result *WorkflowResult, runID, workflowID string, nextStepIndex int, stepOutputs map[string]any, status Status, errMsg string) (*WorkflowResult, error) {
	result.Status = status
	result.Error = errMsg

	cpStatus := checkpoint.StatusFailed
	switch status {
	case StatusCompleted:
		cpStatus = checkpoint.StatusCompleted
	case StatusCancelled:
		cpStatus = checkpoint.StatusPaused
	}
	if err := e.checkpointAfter(ctx, runID, workflowID, nextStepIndex, stepOutputs, cpStatus); err != nil {
		return nil, err
	}

	if e.Recorder != nil {
		if err := e.Recorder.RecordRunEnd(string(status)); err != nil {
			return nil, err
		}
	}
	if e.Metrics != nil {
		e.Metrics.RunsCompleted.WithLabelValues(string(status)).Inc()
	}
	return result, nil
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func missingFields(output map[string]any, required []string) []string {
	var missing []string
	for _, field := range required {
		if _, ok := output[field]; !ok {
			missing = append(missing, field)
		}
	}
	return missing
}
