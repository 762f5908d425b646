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

// Package golden implements the append-only, HMAC-signed event log that
// is the authoritative audit artifact of a workflow run ("the golden
// record"). Events are appended one canonical-JSON line at a time; the
// file is signed on completion and verified with a constant-time HMAC
// comparison.
package golden

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tombee/orchestrator/pkg/canonical"
	"github.com/tombee/orchestrator/pkg/orcherrors"
)

// EventType distinguishes the three golden event shapes.
type EventType string

const (
	EventRunStart EventType = "run_start"
	EventStep     EventType = "step"
	EventRunEnd   EventType = "run_end"
)

// Event is a single line of a run's golden record. Only the fields
// relevant to Type are populated; Timestamp is carried on disk (and so
// is covered by the file's HMAC signature) but is excluded from Compare
// when ignoreTimestamps is set.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// run_start
	RunID      string `json:"run_id,omitempty"`
	SpecID     string `json:"spec_id,omitempty"`
	Seed       string `json:"seed,omitempty"`
	ReplayFlag bool   `json:"replay_flag,omitempty"`

	// step
	Index            int    `json:"index,omitempty"`
	StepID           string `json:"step_id,omitempty"`
	StepSeed         string `json:"step_seed,omitempty"`
	OutputCanonical  any    `json:"output_canonical,omitempty"`
	DurationMS       int64  `json:"duration_ms,omitempty"`

	// run_end
	Status string `json:"status,omitempty"`
}

// Recorder is the contract shared by the durable (file) and in-memory
// variants so tests exercise identical comparison and serialization
// logic.
type Recorder interface {
	RecordRunStart(runID, specID, seed string, replay bool) error
	RecordStep(index int, stepID, stepSeed string, outputCanonical any, duration time.Duration) error
	RecordRunEnd(status string) error
	Events() ([]Event, error)
	Sign(secret []byte) error
	Verify(secret []byte) (bool, error)
}

func newEvent(typ EventType) Event {
	return Event{Type: typ, Timestamp: time.Now().UTC()}
}

// CompareReport is returned by Compare.
type CompareReport struct {
	Equal          bool
	MatchedEvents  int
	FirstDiffIndex int
	DiffPath       string
	Diffs          []string
}

const maxReportedDiffs = 20

// timestampStrippedFields are excluded from Compare when
// ignoreTimestamps is set — they leak wall-clock nondeterminism into what
// must be a content-identity comparison (see SPEC_FULL.md §9 design
// notes). The HMAC signature still covers them.
var timestampStrippedFields = map[string]bool{
	"timestamp": true,
}

func stripVolatile(ev Event, ignoreTimestamps bool) map[string]any {
	enc, err := canonical.Marshal(ev)
	if err != nil {
		return map[string]any{"_marshal_error": err.Error()}
	}
	var m map[string]any
	_ = json.Unmarshal(enc, &m)
	if ignoreTimestamps {
		for k := range m {
			if timestampStrippedFields[k] || isDurationField(k) {
				delete(m, k)
			}
		}
	}
	return m
}

func isDurationField(field string) bool {
	return strings.HasPrefix(field, "duration_")
}

// Compare implements §4.2's comparison semantics: event-count mismatch is
// reported as the first structural difference; otherwise the first
// per-event semantic diff wins, with a bounded list of further diffs for
// debugging.
func Compare(actual, expected []Event, ignoreTimestamps bool) CompareReport {
	report := CompareReport{Equal: true, FirstDiffIndex: -1}

	n := len(actual)
	if len(expected) < n {
		n = len(expected)
	}

	for i := 0; i < n; i++ {
		a := stripVolatile(actual[i], ignoreTimestamps)
		e := stripVolatile(expected[i], ignoreTimestamps)
		if diff := diffMaps(a, e); diff != "" {
			report.Equal = false
			if report.FirstDiffIndex == -1 {
				report.FirstDiffIndex = i
				report.DiffPath = diff
			}
			if len(report.Diffs) < maxReportedDiffs {
				report.Diffs = append(report.Diffs, diff)
			}
			continue
		}
		report.MatchedEvents++
	}

	if len(actual) != len(expected) {
		report.Equal = false
		report.FirstDiffIndex = n
		report.DiffPath = "event count mismatch"
	}

	return report
}

func diffMaps(a, e map[string]any) string {
	ac, _ := canonical.Marshal(a)
	ec, _ := canonical.Marshal(e)
	if string(ac) == string(ec) {
		return ""
	}
	return string(ac) + " != " + string(ec)
}

// newTamperError is a small helper so every backend reports the same
// error shape for a failed verification.
func newTamperError(runID, reason string) error {
	return &orcherrors.TamperError{RunID: runID, Reason: reason}
}
