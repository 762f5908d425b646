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

package engine

import (
	"context"

	"github.com/tombee/orchestrator/pkg/orcherrors"
)

// StepResult is what a skill invocation returns: either a populated
// Output on success, or a non-nil Err classified by ErrorKind on
// failure. CostMinor is the skill's self-reported actual cost; a zero
// value tells the engine to fall back to the step's EstimatedCostMinor
// when settling the policy ledger.
type StepResult struct {
	Output    map[string]any
	CostMinor int64
	ErrorKind orcherrors.SkillErrorKind
	Err       error
}

// SkillRegistry invokes a single skill by id and version. Implementations
// are expected to be side-effect-free with respect to the engine's own
// state: retries, backoff, and error-mode handling all live in the
// engine, not the registry.
type SkillRegistry interface {
	Invoke(ctx context.Context, skillID, version string, inputs map[string]any, seed string) (StepResult, error)
}
