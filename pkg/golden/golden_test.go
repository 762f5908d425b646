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

package golden

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryRecorderSignAndVerify(t *testing.T) {
	r := NewMemoryRecorder("run-1")
	secret := []byte("topsecret")

	if err := r.RecordRunStart("run-1", "spec-1", "deadbeef", false); err != nil {
		t.Fatalf("record run_start: %v", err)
	}
	if err := r.RecordStep(0, "a", "seed-a", map[string]any{"v": 1}, 5*time.Millisecond); err != nil {
		t.Fatalf("record step: %v", err)
	}
	if err := r.RecordRunEnd("completed"); err != nil {
		t.Fatalf("record run_end: %v", err)
	}
	if err := r.Sign(secret); err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := r.Verify(secret)
	if err != nil || !ok {
		t.Fatalf("expected verify to succeed, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryRecorderTamperDetected(t *testing.T) {
	r := NewMemoryRecorder("run-1")
	secret := []byte("topsecret")
	r.RecordRunStart("run-1", "spec-1", "deadbeef", false)
	r.RecordRunEnd("completed")
	if err := r.Sign(secret); err != nil {
		t.Fatalf("sign: %v", err)
	}

	r.Tamper()

	ok, err := r.Verify(secret)
	if ok {
		t.Fatal("expected verify to fail after tamper")
	}
	if err == nil {
		t.Fatal("expected a TamperError")
	}
}

func TestFileRecorderSignVerifyAtomicRename(t *testing.T) {
	dir := t.TempDir()
	r, err := NewFileRecorder(dir, "run-2")
	if err != nil {
		t.Fatalf("new file recorder: %v", err)
	}
	defer r.Close()

	secret := []byte("s3cr3t")
	if err := r.RecordRunStart("run-2", "spec-1", "abc123", false); err != nil {
		t.Fatalf("record run_start: %v", err)
	}
	if err := r.RecordStep(0, "a", "seed-a", map[string]any{"v": 1}, time.Millisecond); err != nil {
		t.Fatalf("record step: %v", err)
	}
	if err := r.RecordRunEnd("completed"); err != nil {
		t.Fatalf("record run_end: %v", err)
	}
	if err := r.Sign(secret); err != nil {
		t.Fatalf("sign: %v", err)
	}

	sigPath := filepath.Join(dir, "run-2.steps.jsonl.sig")
	if _, err := os.Stat(sigPath); err != nil {
		t.Fatalf("expected sig file to exist: %v", err)
	}

	ok, err := r.Verify(secret)
	if err != nil || !ok {
		t.Fatalf("expected verify to succeed, got ok=%v err=%v", ok, err)
	}
}

func TestFileRecorderTamperAfterSignDetected(t *testing.T) {
	dir := t.TempDir()
	r, err := NewFileRecorder(dir, "run-3")
	if err != nil {
		t.Fatalf("new file recorder: %v", err)
	}
	secret := []byte("s3cr3t")
	r.RecordRunStart("run-3", "spec-1", "abc123", false)
	r.RecordRunEnd("completed")
	if err := r.Sign(secret); err != nil {
		t.Fatalf("sign: %v", err)
	}
	r.Close()

	// Append a byte directly to the data file after signing (S8).
	f, err := os.OpenFile(filepath.Join(dir, "run-3.steps.jsonl"), os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("reopen data file: %v", err)
	}
	if _, err := f.WriteString("x"); err != nil {
		t.Fatalf("append byte: %v", err)
	}
	f.Close()

	r2, err := NewFileRecorder(dir, "run-3")
	if err != nil {
		t.Fatalf("reopen recorder: %v", err)
	}
	defer r2.Close()

	ok, err := r2.Verify(secret)
	if ok {
		t.Fatal("expected verify to fail after appending a byte")
	}
	if err == nil {
		t.Fatal("expected a TamperError")
	}
}

func TestCompareIgnoresTimestampsAndDurations(t *testing.T) {
	a := []Event{
		{Type: EventRunStart, Timestamp: time.Now(), RunID: "r1"},
		{Type: EventStep, Timestamp: time.Now(), StepID: "a", DurationMS: 5, OutputCanonical: map[string]any{"v": 1}},
		{Type: EventRunEnd, Timestamp: time.Now(), Status: "completed"},
	}
	b := []Event{
		{Type: EventRunStart, Timestamp: time.Now().Add(time.Hour), RunID: "r1"},
		{Type: EventStep, Timestamp: time.Now().Add(time.Hour), StepID: "a", DurationMS: 999, OutputCanonical: map[string]any{"v": 1}},
		{Type: EventRunEnd, Timestamp: time.Now().Add(time.Hour), Status: "completed"},
	}

	report := Compare(a, b, true)
	if !report.Equal {
		t.Fatalf("expected events to compare equal ignoring timestamps/durations, got diff at %d: %s", report.FirstDiffIndex, report.DiffPath)
	}
	if report.MatchedEvents != 3 {
		t.Fatalf("expected 3 matched events, got %d", report.MatchedEvents)
	}
}

func TestCompareDetectsSemanticDiff(t *testing.T) {
	a := []Event{{Type: EventStep, StepID: "a", OutputCanonical: map[string]any{"v": 1}}}
	b := []Event{{Type: EventStep, StepID: "a", OutputCanonical: map[string]any{"v": 2}}}

	report := Compare(a, b, true)
	if report.Equal {
		t.Fatal("expected a semantic diff to be detected")
	}
	if report.FirstDiffIndex != 0 {
		t.Fatalf("expected first diff at index 0, got %d", report.FirstDiffIndex)
	}
}

func TestCompareDetectsEventCountMismatch(t *testing.T) {
	a := []Event{{Type: EventRunStart}}
	b := []Event{{Type: EventRunStart}, {Type: EventRunEnd}}

	report := Compare(a, b, true)
	if report.Equal {
		t.Fatal("expected count mismatch to be reported")
	}
}
