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

// Package policy implements the policy enforcer: emergency stop, per-step
// and per-workflow cost ceilings, idempotency requirements, and an
// external agent-budget delegate, checked in the fixed order §4.4
// specifies.
//
// Grounded on pkg/workflow/cost_limits.go's CostLimitEnforcer (ordered
// limit checks, per-scope accumulated usage, typed exceeded-error) —
// generalized here from LLM token/dollar costs to the spec's abstract
// minor-currency-unit ledger, and extended with the emergency-stop and
// idempotency checks that have no direct teacher analogue.
package policy

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tombee/orchestrator/pkg/metrics"
	"github.com/tombee/orchestrator/pkg/orcherrors"
	"golang.org/x/time/rate"
)

// EmergencyStop is a single shared atomic boolean, per §9's redesign
// note: "model it as a single shared atomic boolean with explicit
// initialization and a documented hot-reload path; do not rely on
// re-reading the environment." A control plane toggles it by calling
// Set; the enforcer only ever reads it.
type EmergencyStop struct {
	flag atomic.Bool
}

// NewEmergencyStop returns a toggle initialized to the given state.
func NewEmergencyStop(initial bool) *EmergencyStop {
	es := &EmergencyStop{}
	es.flag.Store(initial)
	return es
}

// Set updates the toggle. Propagation to concurrently-checking enforcers
// is immediate (it's the same atomic word) but denial is still
// best-effort, not transactional, per §6.
func (es *EmergencyStop) Set(stopped bool) { es.flag.Store(stopped) }

// Stopped reports the current state.
func (es *EmergencyStop) Stopped() bool { return es.flag.Load() }

// AgentBudget is the external budget tracker consulted for the
// §4.4 "agent budget" check, keyed by agent_id. It corresponds to the
// reserve/settle/refund ledger of §6.
type AgentBudget interface {
	// Reserve attempts to reserve amountMinor against agentID's budget. A
	// false result with no error means the reservation was denied, not
	// that an error occurred.
	Reserve(agentID string, amountMinor int64) (bool, error)
}

// CheckResult is the outcome of CheckCanExecute.
type CheckResult struct {
	Allow  bool
	Kind   orcherrors.PolicyDenyKind
	Reason string
}

// workflowState is the per-run accumulator. Mutated only by the run's
// driver task; external observers get a point-in-time snapshot under
// the enforcer's mutex (§5 shared-resource rules).
type workflowState struct {
	accumulatedMinor int64
}

// Enforcer is the policy enforcer for one process. Its per-workflow
// state is visible to every worker participating in the same run
// because it lives behind a single mutex, not per-goroutine state.
type Enforcer struct {
	mu sync.Mutex

	emergencyStop *EmergencyStop
	stepCeilingMinor     int64
	workflowCeilingMinor int64

	agentBudget AgentBudget

	// limiter is a token bucket shared by every caller of this Enforcer:
	// it bounds how fast skill invocations start (backpressure from §5,
	// suspending callers rather than rejecting them). It does not count
	// invocations in flight and is not keyed by tenant.
	limiter *rate.Limiter

	runs map[string]*workflowState

	metrics *metrics.Registry
}

// Config configures a new Enforcer.
type Config struct {
	EmergencyStop        *EmergencyStop
	StepCeilingMinor     int64
	WorkflowCeilingMinor int64
	AgentBudget          AgentBudget
	// RatePerSecond and Burst configure the shared token-bucket rate
	// limiter behind AcquireInvocationSlot. Zero RatePerSecond disables
	// rate limiting.
	RatePerSecond float64
	Burst         int
	// Metrics, if set, receives a PolicyDenials increment per denied check.
	Metrics *metrics.Registry
}

// NewEnforcer builds an Enforcer from cfg.
func NewEnforcer(cfg Config) *Enforcer {
	es := cfg.EmergencyStop
	if es == nil {
		es = NewEmergencyStop(false)
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst)
	}
	return &Enforcer{
		emergencyStop:        es,
		stepCeilingMinor:     cfg.StepCeilingMinor,
		workflowCeilingMinor: cfg.WorkflowCeilingMinor,
		agentBudget:          cfg.AgentBudget,
		limiter:              limiter,
		runs:                 make(map[string]*workflowState),
		metrics:              cfg.Metrics,
	}
}

// recordDenial increments the PolicyDenials counter for kind, if a
// metrics registry is attached.
func (e *Enforcer) recordDenial(kind orcherrors.PolicyDenyKind) {
	if e.metrics != nil {
		e.metrics.PolicyDenials.WithLabelValues(string(kind)).Inc()
	}
}

func (e *Enforcer) stateFor(runID string) *workflowState {
	st, ok := e.runs[runID]
	if !ok {
		st = &workflowState{}
		e.runs[runID] = st
	}
	return st
}

// CheckCanExecute runs the ordered §4.4 checks for a single step.
// workflowCeilingMinor overrides the enforcer-level default when > 0,
// letting a WorkflowSpec declare its own ceiling per §3.
func (e *Enforcer) CheckCanExecute(runID, stepID string, estimatedCostMinor int64, workflowCeilingMinor int64, sideEffecting bool, idempotencyKey string, agentID string) CheckResult {
	// 1. Emergency stop.
	if e.emergencyStop.Stopped() {
		e.recordDenial(orcherrors.DenyEmergencyStop)
		return CheckResult{Allow: false, Kind: orcherrors.DenyEmergencyStop, Reason: "emergency stop is active"}
	}

	// 2. Step ceiling.
	if e.stepCeilingMinor > 0 && estimatedCostMinor > e.stepCeilingMinor {
		e.recordDenial(orcherrors.DenyStepCeiling)
		return CheckResult{Allow: false, Kind: orcherrors.DenyStepCeiling, Reason: "step estimated cost exceeds step_ceiling_minor"}
	}

	// 3. Workflow ceiling.
	ceiling := e.workflowCeilingMinor
	if workflowCeilingMinor > 0 {
		ceiling = workflowCeilingMinor
	}
	e.mu.Lock()
	st := e.stateFor(runID)
	projected := st.accumulatedMinor + estimatedCostMinor
	e.mu.Unlock()
	if ceiling > 0 && projected > ceiling {
		e.recordDenial(orcherrors.DenyWorkflowCeiling)
		return CheckResult{Allow: false, Kind: orcherrors.DenyWorkflowCeiling, Reason: "accumulated cost plus step estimate exceeds workflow_ceiling_minor"}
	}

	// 4. Idempotency.
	if sideEffecting && idempotencyKey == "" {
		e.recordDenial(orcherrors.DenyIdempotencyMissing)
		return CheckResult{Allow: false, Kind: orcherrors.DenyIdempotencyMissing, Reason: "side-effecting step requires a non-empty idempotency_key"}
	}

	// 5. Agent budget.
	if agentID != "" && e.agentBudget != nil {
		ok, err := e.agentBudget.Reserve(agentID, estimatedCostMinor)
		if err != nil || !ok {
			e.recordDenial(orcherrors.DenyAgentBudget)
			return CheckResult{Allow: false, Kind: orcherrors.DenyAgentBudget, Reason: "agent budget tracker denied reservation"}
		}
	}

	return CheckResult{Allow: true}
}

// RecordSpend commits a step's actual cost to runID's accumulator (I4,
// P6). Call only after the step has genuinely succeeded.
func (e *Enforcer) RecordSpend(runID string, actualCostMinor int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stateFor(runID).accumulatedMinor += actualCostMinor
}

// AccumulatedSpend returns a snapshot of runID's committed spend.
func (e *Enforcer) AccumulatedSpend(runID string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.runs[runID]; ok {
		return st.accumulatedMinor
	}
	return 0
}

// Reset discards runID's accumulator, for test teardown and completed-run
// cleanup.
func (e *Enforcer) Reset(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.runs, runID)
}

// AcquireInvocationSlot blocks (suspending the caller, per §5 Backpressure)
// until the shared rate limiter admits one more skill invocation start, or
// ctx is done. Nothing is held or released afterwards, so the number of
// invocations in flight is not bounded. A nil limiter (no rate configured)
// never blocks.
func (e *Enforcer) AcquireInvocationSlot(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}
