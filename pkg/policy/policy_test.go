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

package policy

import (
	"testing"

	"github.com/tombee/orchestrator/pkg/orcherrors"
)

func TestEmergencyStopDeniesEverything(t *testing.T) {
	es := NewEmergencyStop(true)
	e := NewEnforcer(Config{EmergencyStop: es, WorkflowCeilingMinor: 1000})

	result := e.CheckCanExecute("run-1", "a", 1, 0, false, "", "")
	if result.Allow {
		t.Fatal("expected emergency stop to deny")
	}
	if result.Kind != orcherrors.DenyEmergencyStop {
		t.Fatalf("expected DenyEmergencyStop, got %v", result.Kind)
	}
}

func TestStepCeilingDenies(t *testing.T) {
	e := NewEnforcer(Config{StepCeilingMinor: 10})
	result := e.CheckCanExecute("run-1", "a", 11, 0, false, "", "")
	if result.Allow || result.Kind != orcherrors.DenyStepCeiling {
		t.Fatalf("expected step_ceiling denial, got %+v", result)
	}
}

func TestWorkflowCeilingDeniesOnceAccumulated(t *testing.T) {
	e := NewEnforcer(Config{WorkflowCeilingMinor: 10})
	r1 := e.CheckCanExecute("run-1", "a", 6, 0, false, "", "")
	if !r1.Allow {
		t.Fatalf("expected first step to be allowed, got %+v", r1)
	}
	e.RecordSpend("run-1", 6)

	r2 := e.CheckCanExecute("run-1", "b", 6, 0, false, "", "")
	if r2.Allow || r2.Kind != orcherrors.DenyWorkflowCeiling {
		t.Fatalf("expected workflow_ceiling denial once accumulated exceeds ceiling, got %+v", r2)
	}
}

func TestWorkflowCeilingPerSpecOverridesEnforcerDefault(t *testing.T) {
	e := NewEnforcer(Config{WorkflowCeilingMinor: 1000})
	result := e.CheckCanExecute("run-1", "a", 20, 10, false, "", "")
	if result.Allow || result.Kind != orcherrors.DenyWorkflowCeiling {
		t.Fatalf("expected spec-level ceiling of 10 to apply, got %+v", result)
	}
}

func TestIdempotencyMissingDeniesSideEffectingStep(t *testing.T) {
	e := NewEnforcer(Config{})
	result := e.CheckCanExecute("run-1", "a", 0, 0, true, "", "")
	if result.Allow || result.Kind != orcherrors.DenyIdempotencyMissing {
		t.Fatalf("expected idempotency_missing denial, got %+v", result)
	}

	result = e.CheckCanExecute("run-1", "a", 0, 0, true, "key-1", "")
	if !result.Allow {
		t.Fatalf("expected idempotency key to satisfy the check, got %+v", result)
	}
}

type denyingBudget struct{}

func (denyingBudget) Reserve(agentID string, amountMinor int64) (bool, error) { return false, nil }

func TestAgentBudgetDelegateCanDeny(t *testing.T) {
	e := NewEnforcer(Config{AgentBudget: denyingBudget{}})
	result := e.CheckCanExecute("run-1", "a", 0, 0, false, "", "agent-1")
	if result.Allow || result.Kind != orcherrors.DenyAgentBudget {
		t.Fatalf("expected agent_budget_exceeded denial, got %+v", result)
	}
}

func TestRecordSpendAccumulatesPerRun(t *testing.T) {
	e := NewEnforcer(Config{})
	e.RecordSpend("run-1", 5)
	e.RecordSpend("run-1", 3)
	e.RecordSpend("run-2", 100)

	if got := e.AccumulatedSpend("run-1"); got != 8 {
		t.Fatalf("expected 8, got %d", got)
	}
	if got := e.AccumulatedSpend("run-2"); got != 100 {
		t.Fatalf("expected 100, got %d", got)
	}
}

func TestCheckOrderEmergencyStopBeforeCeilings(t *testing.T) {
	es := NewEmergencyStop(true)
	e := NewEnforcer(Config{EmergencyStop: es, StepCeilingMinor: 1})
	result := e.CheckCanExecute("run-1", "a", 1000000, 0, false, "", "")
	if result.Kind != orcherrors.DenyEmergencyStop {
		t.Fatalf("expected emergency_stop to take priority, got %v", result.Kind)
	}
}
