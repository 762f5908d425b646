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
	"fmt"
	"regexp"
	"strings"

	"github.com/tombee/orchestrator/pkg/orcherrors"
)

// referencePattern matches a string input whose entire value is a single
// ${step_id.field.path} reference. Per §9's redesign note, a reference
// is only recognized when it is the whole string — partial/embedded
// references ("prefix-${a.b}-suffix") are rejected as ambiguous rather
// than silently stringified, since the resolved value may not be a
// string at all.
var referencePattern = regexp.MustCompile(`^\$\{([^.${}]+)((?:\.[^.${}]+)*)\}$`)

// ResolveReferences returns a copy of inputs with every ${step_id.path}
// string replaced by the referenced value from stepOutputs. Non-string
// values, and strings that contain no "${", pass through unchanged.
func ResolveReferences(inputs map[string]any, stepOutputs map[string]any) (map[string]any, error) {
	resolved, err := resolveValue(inputs, stepOutputs)
	if err != nil {
		return nil, err
	}
	m, _ := resolved.(map[string]any)
	return m, nil
}

func resolveValue(v any, stepOutputs map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(val, stepOutputs)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			rv, err := resolveValue(vv, stepOutputs)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			rv, err := resolveValue(vv, stepOutputs)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s string, stepOutputs map[string]any) (any, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}

	m := referencePattern.FindStringSubmatch(s)
	if m == nil {
		return nil, &orcherrors.ReferenceError{
			Reference: s,
			Reason:    "malformed or ambiguous reference: only a whole-value ${step_id.field.path} reference is supported, not one embedded in surrounding text",
		}
	}

	stepID := m[1]
	var path []string
	if m[2] != "" {
		path = strings.Split(strings.TrimPrefix(m[2], "."), ".")
	}

	root, ok := stepOutputs[stepID]
	if !ok {
		return nil, &orcherrors.ReferenceError{StepID: stepID, Reference: s, Reason: "no output recorded for referenced step"}
	}

	cur := root
	walked := stepID
	for _, seg := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, &orcherrors.ReferenceError{StepID: stepID, Reference: s, Reason: fmt.Sprintf("%s is not an object, cannot descend into %q", walked, seg)}
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, &orcherrors.ReferenceError{StepID: stepID, Reference: s, Reason: fmt.Sprintf("field %q not found on %s", seg, walked)}
		}
		walked = walked + "." + seg
	}
	return cur, nil
}
