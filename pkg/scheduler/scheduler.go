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

// Package scheduler implements the job/claim scheduler (§4.7): bulk work
// items distributed to a worker pool with at-most-once claim semantics,
// worker heartbeats, and stale-claim reclamation.
//
// Grounded on internal/controller/backend/postgres/postgres.go's job
// queue ("Distributed Job Queue Operations": EnqueueJob, DequeueJob's
// `SELECT ... FOR UPDATE SKIP LOCKED`, CompleteJob, FailJob,
// RecoverStalledJobs) — generalized from one job row per workflow run to
// many indexed items per job, and adapted from Postgres row locking to
// modernc.org/sqlite's single-writer model.
package scheduler

import (
	"context"
	"time"
)

// ItemStatus is a job item's lifecycle state.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemClaimed   ItemStatus = "claimed"
	ItemRunning   ItemStatus = "running"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
)

// IsTerminal reports J2: once completed or failed, status never changes
// again.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemCompleted || s == ItemFailed
}

// Job is the parent record of a bulk work dispatch.
type Job struct {
	ID             string
	Status         string
	TotalItems     int
	CompletedItems int
	FailedItems    int
	ReservedMinor  int64
	SpentMinor     int64
	Parallelism    int
}

// JobItem is one unit of bulk work within a job.
type JobItem struct {
	ID          string
	JobID       string
	ItemIndex   int
	Input       any
	Output      any
	WorkerID    string
	Status      ItemStatus
	ClaimedAt   *time.Time
	CompletedAt *time.Time
	Error       string
}

// Store is the job/claim scheduler contract from §4.7.
type Store interface {
	// CreateJob registers the caller-supplied jobID with len(items)
	// pending job items, item_index assigned by slice position and item
	// ids derived as "<jobID>-item-<index>".
	CreateJob(ctx context.Context, jobID string, items []any, parallelism int) error

	// ClaimNext atomically claims the lowest-item_index pending item for
	// jobID (the J1/P5 tie-break), or returns (nil, nil) if none is
	// pending.
	ClaimNext(ctx context.Context, workerID, jobID string) (*JobItem, error)

	// CompleteItem marks itemID completed with output, attributed to
	// workerID. Returns a *orcherrors.ClaimLostError if workerID no
	// longer holds the claim (it was reclaimed as stale).
	CompleteItem(ctx context.Context, workerID, itemID string, output any) error

	// FailItem marks itemID failed with errMsg, attributed to workerID.
	// Same claim-loss semantics as CompleteItem.
	FailItem(ctx context.Context, workerID, itemID string, errMsg string) error

	// Heartbeat records that workerID is alive as of now.
	Heartbeat(ctx context.Context, workerID string) error

	// ReclaimStale resets every claimed/running item whose owning
	// worker's last heartbeat is older than threshold (relative to now)
	// back to pending, clearing worker_id. Returns the number reclaimed.
	ReclaimStale(ctx context.Context, now time.Time, threshold time.Duration) (int, error)

	// GetJob returns jobID's aggregate counters.
	GetJob(ctx context.Context, jobID string) (*Job, error)
}

// DefaultStaleThreshold is the claim heartbeat threshold (locked by
// SPEC_FULL.md §9 decision 4: 60s, uniform across backends, no
// per-backend variance).
const DefaultStaleThreshold = 60 * time.Second
