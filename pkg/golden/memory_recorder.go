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
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/tombee/orchestrator/pkg/canonical"
	"github.com/tombee/orchestrator/pkg/metrics"
)

// MemoryRecorder is the in-memory golden recorder used by tests. It
// shares serialization and comparison logic with FileRecorder (the
// Event type and Compare function); only storage differs (§4.2
// "in-memory variant").
type MemoryRecorder struct {
	mu     sync.Mutex
	runID   string
	events  []Event
	sig     []byte
	metrics *metrics.Registry
}

// NewMemoryRecorder returns an empty in-memory recorder for runID.
func NewMemoryRecorder(runID string) *MemoryRecorder {
	return &MemoryRecorder{runID: runID}
}

// WithMetrics attaches a metrics registry; GoldenTamper is incremented on
// every failed Verify call once set. Returns r for chaining.
func (r *MemoryRecorder) WithMetrics(m *metrics.Registry) *MemoryRecorder {
	r.metrics = m
	return r
}

func (r *MemoryRecorder) append(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *MemoryRecorder) RecordRunStart(runID, specID, seed string, replay bool) error {
	ev := newEvent(EventRunStart)
	ev.RunID, ev.SpecID, ev.Seed, ev.ReplayFlag = runID, specID, seed, replay
	return r.append(ev)
}

func (r *MemoryRecorder) RecordStep(index int, stepID, stepSeed string, outputCanonical any, duration time.Duration) error {
	ev := newEvent(EventStep)
	ev.Index, ev.StepID, ev.StepSeed, ev.OutputCanonical = index, stepID, stepSeed, outputCanonical
	ev.DurationMS = duration.Milliseconds()
	return r.append(ev)
}

func (r *MemoryRecorder) RecordRunEnd(status string) error {
	ev := newEvent(EventRunEnd)
	ev.Status = status
	return r.append(ev)
}

func (r *MemoryRecorder) Events() ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out, nil
}

func (r *MemoryRecorder) serialize() ([]byte, error) {
	var buf []byte
	for _, ev := range r.events {
		enc, err := canonical.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("golden: marshal event: %w", err)
		}
		buf = append(buf, enc...)
		buf = append(buf, '\n')
	}
	return buf, nil
}

func (r *MemoryRecorder) Sign(secret []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := r.serialize()
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	r.sig = mac.Sum(nil)
	return nil
}

func (r *MemoryRecorder) Verify(secret []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sig == nil {
		return false, fmt.Errorf("golden: record has not been signed")
	}
	data, err := r.serialize()
	if err != nil {
		return false, err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	computed := mac.Sum(nil)
	if !hmac.Equal(computed, r.sig) {
		if r.metrics != nil {
			r.metrics.GoldenTamper.Inc()
		}
		return false, newTamperError(r.runID, "signature does not match recorded events")
	}
	return true, nil
}

// Tamper appends "-tampered" to the last recorded event's Status, so the
// serialized bytes no longer match any prior signature. Test helper only
// (P8 / S8).
func (r *MemoryRecorder) Tamper() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return
	}
	last := &r.events[len(r.events)-1]
	last.Status = last.Status + "-tampered"
}
