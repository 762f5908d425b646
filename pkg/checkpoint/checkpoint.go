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

// Package checkpoint provides durable resume-after-crash state for
// workflow runs: save/load/delete/list, content hashing, and
// upsert-preserves-creation semantics.
//
// Adapted from internal/controller/checkpoint/checkpoint.go (file-based
// JSON store) and internal/controller/backend/postgres/postgres.go's
// SaveCheckpoint upsert. Unlike the teacher's Save, which unconditionally
// sets CreatedAt = time.Now() on every call, both stores here preserve an
// existing row's CreatedAt (MemoryStore reads the row under its mutex,
// SQLiteStore leaves created_at out of its ON CONFLICT update) — required
// by C1 and tested by P4/P9.
package checkpoint

import (
	"context"
	"time"

	"github.com/tombee/orchestrator/pkg/canonical"
)

// Status is the lifecycle state recorded alongside a checkpoint.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// Checkpoint is one durable row: (run_id PK, workflow_id,
// next_step_index, last_result_hash, step_outputs, status, created_at,
// updated_at) per §3.
type Checkpoint struct {
	RunID          string
	WorkflowID     string
	NextStepIndex  int
	LastResultHash string
	StepOutputs    map[string]any
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store is the checkpoint store contract (§4.3). Implementations must
// guarantee the upsert semantics under concurrent callers: two processes
// resuming the same run must not corrupt CreatedAt (C1/C2), and the
// content hash is always recomputed from the supplied outputs, never
// accepted from the caller.
type Store interface {
	// Save upserts the checkpoint for runID and returns the freshly
	// computed content hash.
	Save(ctx context.Context, runID, workflowID string, nextStepIndex int, stepOutputs map[string]any, status Status) (string, error)

	// Load returns the checkpoint for runID, or (nil, nil) if none exists.
	Load(ctx context.Context, runID string) (*Checkpoint, error)

	// Delete removes the checkpoint for runID, reporting whether a row
	// was actually removed.
	Delete(ctx context.Context, runID string) (bool, error)

	// ListRunning returns up to limit checkpoints whose status is
	// "running" or "paused" — candidates for resume (S6).
	ListRunning(ctx context.Context, limit int) ([]*Checkpoint, error)
}

// ContentHash computes the C3 content hash: the 16-hex-character prefix
// of SHA-256 over the canonical JSON of stepOutputs.
func ContentHash(stepOutputs map[string]any) (string, error) {
	return canonical.ShortHash(stepOutputs)
}
