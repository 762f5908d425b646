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

// Package orcherrors defines the typed error taxonomy shared by every
// orchestrator component: engine, checkpoint store, policy enforcer,
// planner sandbox, golden recorder, scheduler and inbox.
package orcherrors

import "fmt"

// SkillErrorKind classifies a skill invocation failure for retry and
// error-mode decisions.
type SkillErrorKind string

const (
	SkillTransient          SkillErrorKind = "transient"
	SkillPermanent          SkillErrorKind = "permanent"
	SkillTimeout            SkillErrorKind = "timeout"
	SkillRateLimited        SkillErrorKind = "rate_limited"
	SkillUpstreamUnavailable SkillErrorKind = "upstream_unavailable"
	SkillAuthN              SkillErrorKind = "authn"
	SkillAuthZ              SkillErrorKind = "authz"
	SkillMalformedResponse  SkillErrorKind = "malformed_response"
	SkillQuota              SkillErrorKind = "quota"
)

// Retryable reports whether a skill error kind is eligible for retry.
func (k SkillErrorKind) Retryable() bool {
	switch k {
	case SkillTransient, SkillTimeout, SkillRateLimited, SkillUpstreamUnavailable:
		return true
	default:
		return false
	}
}

// PolicyDenyKind enumerates the reasons the policy enforcer can deny a step.
type PolicyDenyKind string

const (
	DenyEmergencyStop      PolicyDenyKind = "emergency_stop"
	DenyStepCeiling        PolicyDenyKind = "step_ceiling"
	DenyWorkflowCeiling    PolicyDenyKind = "workflow_ceiling"
	DenyIdempotencyMissing PolicyDenyKind = "idempotency_missing"
	DenyAgentBudget        PolicyDenyKind = "agent_budget_exceeded"
)

// ReferenceError is returned when a ${step_id.field} reference cannot be
// resolved against the accumulated step outputs.
type ReferenceError struct {
	StepID    string
	Reference string
	Reason    string
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("step %s: unresolved reference %q: %s", e.StepID, e.Reference, e.Reason)
}

// SchemaError is returned when a skill's input or output violates its
// declared schema.
type SchemaError struct {
	StepID  string
	SkillID string
	Field   string
	Reason  string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("step %s (skill %s): schema violation on %s: %s", e.StepID, e.SkillID, e.Field, e.Reason)
}

// SkillError wraps a failure surfaced by a skill invocation.
type SkillError struct {
	StepID  string
	SkillID string
	Kind    SkillErrorKind
	Message string
	Cause   error
}

func (e *SkillError) Error() string {
	return fmt.Sprintf("step %s (skill %s): %s: %s", e.StepID, e.SkillID, e.Kind, e.Message)
}

func (e *SkillError) Unwrap() error { return e.Cause }

// PolicyDenyError is returned by the policy enforcer when a step is denied.
type PolicyDenyError struct {
	StepID string
	Kind   PolicyDenyKind
	Reason string
}

func (e *PolicyDenyError) Error() string {
	return fmt.Sprintf("policy denied step %s (%s): %s", e.StepID, e.Kind, e.Reason)
}

// BudgetExceededError is a PolicyDenyError subtype raised specifically for
// ceiling violations (step or workflow), so callers can distinguish a
// budget problem from other policy denials without string matching.
type BudgetExceededError struct {
	PolicyDenyError
	LimitMinor      int64
	AttemptedMinor  int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s (limit=%d attempted=%d minor units)", e.PolicyDenyError.Error(), e.LimitMinor, e.AttemptedMinor)
}

// TamperError indicates a golden-record signature failed verification.
type TamperError struct {
	RunID  string
	Reason string
}

func (e *TamperError) Error() string {
	return fmt.Sprintf("golden record for run %s failed verification: %s", e.RunID, e.Reason)
}

// ClaimLostError indicates a worker attempted to act on a job item whose
// claim had already been revoked (e.g. by stale-claim reclamation).
type ClaimLostError struct {
	JobID    string
	ItemID   string
	WorkerID string
}

func (e *ClaimLostError) Error() string {
	return fmt.Sprintf("worker %s lost claim on item %s (job %s)", e.WorkerID, e.ItemID, e.JobID)
}

// TimeoutError indicates an operation exceeded its deadline.
type TimeoutError struct {
	Operation string
	Cause     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out", e.Operation)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// CancellationError indicates a run was cooperatively cancelled.
type CancellationError struct {
	RunID string
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("run %s cancelled", e.RunID)
}

// ValidationError is returned by the planner sandbox and spec loader for
// structural problems that block execution outright.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}
