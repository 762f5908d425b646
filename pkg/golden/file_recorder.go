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
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tombee/orchestrator/pkg/canonical"
	"github.com/tombee/orchestrator/pkg/metrics"
)

// FileRecorder is the durable golden recorder: one append-only
// `{run_id}.steps.jsonl` file per run, signed into a sibling
// `{run_id}.steps.jsonl.sig` file on Sign.
//
// Grounded on internal/tracing/audit/logger.go's append-only JSON-lines
// writer (mutex-guarded, O_APPEND|O_CREATE|O_WRONLY, 0600) and on
// internal/controller/checkpoint/checkpoint.go's temp-file-plus-rename
// pattern for the signature file, which must never be observed
// half-written (§4.2 atomic write).
type FileRecorder struct {
	mu       sync.Mutex
	dir      string
	runID    string
	dataPath string
	sigPath  string
	file     *os.File
	metrics  *metrics.Registry
}

// WithMetrics attaches a metrics registry; GoldenTamper is incremented on
// every failed Verify call once set. Returns r for chaining.
func (r *FileRecorder) WithMetrics(m *metrics.Registry) *FileRecorder {
	r.metrics = m
	return r
}

// NewFileRecorder opens (creating if necessary) the golden record file
// for runID under dir.
func NewFileRecorder(dir, runID string) (*FileRecorder, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("golden: mkdir %s: %w", dir, err)
	}
	dataPath := filepath.Join(dir, runID+".steps.jsonl")
	f, err := os.OpenFile(dataPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("golden: open %s: %w", dataPath, err)
	}
	return &FileRecorder{
		dir:      dir,
		runID:    runID,
		dataPath: dataPath,
		sigPath:  dataPath + ".sig",
		file:     f,
	}, nil
}

func (r *FileRecorder) appendEvent(ev Event) error {
	enc, err := canonical.Marshal(ev)
	if err != nil {
		return fmt.Errorf("golden: marshal event: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.file.Write(append(enc, '\n')); err != nil {
		return fmt.Errorf("golden: append event: %w", err)
	}
	return r.file.Sync()
}

// RecordRunStart appends a run_start event.
func (r *FileRecorder) RecordRunStart(runID, specID, seed string, replay bool) error {
	ev := newEvent(EventRunStart)
	ev.RunID, ev.SpecID, ev.Seed, ev.ReplayFlag = runID, specID, seed, replay
	return r.appendEvent(ev)
}

// RecordStep appends a step event.
func (r *FileRecorder) RecordStep(index int, stepID, stepSeed string, outputCanonical any, duration time.Duration) error {
	ev := newEvent(EventStep)
	ev.Index, ev.StepID, ev.StepSeed, ev.OutputCanonical = index, stepID, stepSeed, outputCanonical
	ev.DurationMS = duration.Milliseconds()
	return r.appendEvent(ev)
}

// RecordRunEnd appends a run_end event.
func (r *FileRecorder) RecordRunEnd(status string) error {
	ev := newEvent(EventRunEnd)
	ev.Status = status
	return r.appendEvent(ev)
}

// Events reads back all events recorded so far, in order.
func (r *FileRecorder) Events() ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return readEvents(r.dataPath)
}

func readEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("golden: open %s: %w", path, err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("golden: parse event: %w", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("golden: scan %s: %w", path, err)
	}
	return events, nil
}

// Sign computes HMAC-SHA256 over the full file contents and writes it
// through a temp-file-plus-rename so readers never observe a signature
// that does not correspond to the accompanying data (§4.2 atomic write,
// fixing the teacher's direct-write TOCTOU window).
func (r *FileRecorder) Sign(secret []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.file.Sync(); err != nil {
		return fmt.Errorf("golden: sync before sign: %w", err)
	}
	data, err := os.ReadFile(r.dataPath)
	if err != nil {
		return fmt.Errorf("golden: read for signing: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	sig := fmt.Sprintf("%x\n", mac.Sum(nil))

	tmp, err := os.CreateTemp(r.dir, r.runID+".steps.jsonl.sig.tmp-*")
	if err != nil {
		return fmt.Errorf("golden: create temp sig: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(sig); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("golden: write temp sig: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("golden: sync temp sig: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("golden: close temp sig: %w", err)
	}
	if err := os.Rename(tmpPath, r.sigPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("golden: rename temp sig: %w", err)
	}
	return nil
}

// Verify recomputes the HMAC over the current file contents and compares
// it constant-time to the stored signature.
func (r *FileRecorder) Verify(secret []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.file.Sync(); err != nil {
		return false, fmt.Errorf("golden: sync before verify: %w", err)
	}
	data, err := os.ReadFile(r.dataPath)
	if err != nil {
		return false, fmt.Errorf("golden: read for verification: %w", err)
	}
	stored, err := os.ReadFile(r.sigPath)
	if err != nil {
		return false, fmt.Errorf("golden: read signature: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	computed := fmt.Sprintf("%x\n", mac.Sum(nil))

	ok := hmac.Equal([]byte(computed), stored)
	if !ok {
		if r.metrics != nil {
			r.metrics.GoldenTamper.Inc()
		}
		return false, newTamperError(r.runID, "signature does not match file contents")
	}
	return true, nil
}

// Close releases the underlying file handle.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}
