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

// Package sandbox implements the planner sandbox: a pure, I/O-free
// static validator for untrusted workflow plans. It never executes
// anything; its Report fully determines whether a plan may reach the
// engine.
//
// Grounded on pkg/security/shell.go's ShellSecurityConfig (deny-list
// checked first, then allow-list, then metachar scanning) for the
// forbidden-skill and injection-pattern rules, and on
// pkg/workflow/validate.go's credential/template-injection regex table
// and its violations-vs-warnings split.
package sandbox

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/tombee/orchestrator/pkg/orchspec"
)

// ForbiddenSkills is the deny-list from §4.5, checked by exact
// identifier match — the same checked-first ordering shell.go uses for
// DeniedCommands.
var ForbiddenSkills = map[string]bool{
	"shell_exec":        true,
	"raw_os_command":    true,
	"db_drop":           true,
	"fs_delete_raw":     true,
	"raw_network":       true,
	"eval":              true,
	"arbitrary_code_eval": true,
	"raw_syscall":       true,
}

// Report is the result of Validate. Violations block execution;
// Warnings are advisory only.
type Report struct {
	Valid      bool
	Violations []string
	Warnings   []string
}

var (
	// shellCommandPositionPattern flags a shell metacharacter only when it
	// actually opens a new command: preceded by whitespace or string start
	// and followed by another token (command chaining via ;, &&, ||, |, or
	// backgrounding via &), or an unconditional backtick/$() substitution.
	// A bare & inside e.g. a URL query string ("a=1&b=2") has no preceding
	// whitespace and does not match.
	shellCommandPositionPattern = regexp.MustCompile("(^|\\s)(;|&&|\\|\\||\\||&)\\s*\\S|`[^`]*`|\\$\\(")
	sqlInjectionPattern         = regexp.MustCompile(`(?i)('\s*;\s*drop\s+table)|("\s*or\s*"1"\s*=\s*"1)|('\s*or\s*'1'\s*=\s*'1)`)
	pathTraversalPattern        = regexp.MustCompile(`(\.\./){2,}|(\.\.\\){2,}`)
	templateInjectionPattern    = regexp.MustCompile(`\{\{|\$\{`)
)

// sideEffectingDBFSPatterns classifies a skill_id as a write-category DB
// or filesystem skill when it matches one of these globs, the static
// equivalent of the runtime "side_effecting" skill-metadata flag for
// plans that arrive without a live registry to consult.
var sideEffectingDBFSPatterns = []string{
	"db_insert*", "db_update*", "db_delete*", "db_write*",
	"fs_write*", "fs_delete*", "fs_move*", "fs_append*",
}

// Validate performs the full §4.5 static validation pass over a
// workflow spec's steps.
func Validate(steps []orchspec.StepDescriptor) Report {
	report := Report{Valid: true}

	for _, step := range steps {
		if ForbiddenSkills[step.SkillID] {
			report.Valid = false
			report.Violations = append(report.Violations,
				fmt.Sprintf("step %q: forbidden skill %q is not permitted", step.StepID, step.SkillID))
		}

		for field, str := range stringInputs(step.Inputs) {
			if v := scanInjection(str); v != "" {
				report.Valid = false
				report.Violations = append(report.Violations,
					fmt.Sprintf("step %q: input %q: %s", step.StepID, field, v))
			}
		}

		key, hasKey := step.Inputs["idempotency_key"]
		if sideEffecting(step) && (!hasKey || key == nil || strings.TrimSpace(fmt.Sprint(key)) == "") {
			report.Valid = false
			report.Violations = append(report.Violations,
				fmt.Sprintf("step %q: side-effecting skill %q requires a non-empty idempotency_key", step.StepID, step.SkillID))
		}
	}

	sort.Strings(report.Violations)
	sort.Strings(report.Warnings)
	return report
}

// stringInputs flattens a step's input map to its string-valued leaves,
// keyed by a dotted field path, for injection scanning.
func stringInputs(inputs map[string]any) map[string]string {
	out := make(map[string]string)
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		switch val := v.(type) {
		case string:
			out[prefix] = val
		case map[string]any:
			for k, vv := range val {
				walk(prefix+"."+k, vv)
			}
		case []any:
			for i, vv := range val {
				walk(fmt.Sprintf("%s[%d]", prefix, i), vv)
			}
		}
	}
	for k, v := range inputs {
		walk(k, v)
	}
	return out
}

// scanInjection returns a non-empty violation message if str matches any
// of the §4.5 injection patterns.
func scanInjection(str string) string {
	if shellCommandPositionPattern.MatchString(str) {
		return "contains shell metacharacters in command position"
	}
	if sqlInjectionPattern.MatchString(str) {
		return "contains a SQL injection marker"
	}
	if pathTraversalPattern.MatchString(str) {
		return "contains repeated path traversal (../)"
	}
	if templateInjectionPattern.MatchString(str) {
		return "contains template injection markers ({{ or ${)"
	}
	return ""
}

// IsSideEffecting exports the same classification Validate uses
// internally, so the engine's policy checks (§4.4's idempotency-key
// requirement) and the static sandbox pass agree on exactly which steps
// need one.
func IsSideEffecting(step orchspec.StepDescriptor) bool {
	return sideEffecting(step)
}

// sideEffecting reports whether step's skill is one §4.5 requires an
// idempotency key for: HTTP POST/PUT/DELETE (signalled by a "method"
// input) or a write-category DB/filesystem skill_id.
func sideEffecting(step orchspec.StepDescriptor) bool {
	if method, ok := step.Inputs["method"].(string); ok {
		switch strings.ToUpper(method) {
		case "POST", "PUT", "DELETE":
			return true
		}
	}
	for _, pattern := range sideEffectingDBFSPatterns {
		if matched, _ := doublestar.Match(pattern, step.SkillID); matched {
			return true
		}
	}
	return false
}
