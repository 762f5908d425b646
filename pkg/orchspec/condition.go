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

package orchspec

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/tombee/orchestrator/pkg/orcherrors"
)

// ConditionEvaluator evaluates a step's optional `condition` expression
// against {inputs, steps}. Compiled programs are cached by expression
// text so a workflow re-run does not recompile on every step.
type ConditionEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewConditionEvaluator returns a ready-to-use evaluator.
func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate returns true if expression is empty (no condition declared) or
// evaluates to true against the given inputs/steps context.
func (e *ConditionEvaluator) Evaluate(expression string, inputs map[string]any, steps map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, &orcherrors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("failed to compile condition: %v", err),
		}
	}

	env := map[string]any{
		"inputs": inputs,
		"steps":  steps,
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, &orcherrors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("condition evaluation failed: %v", err),
		}
	}
	b, ok := result.(bool)
	if !ok {
		return false, &orcherrors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("condition must evaluate to a boolean, got %T", result),
		}
	}
	return b, nil
}

func (e *ConditionEvaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	env := map[string]any{"inputs": map[string]any{}, "steps": map[string]any{}}
	prog, err := expr.Compile(expression, expr.Env(env), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}
