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

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tombee/orchestrator/pkg/metrics"
	"github.com/tombee/orchestrator/pkg/orcherrors"
)

type jobRow struct {
	job   Job
	items []*JobItem
}

// MemoryStore is an in-process scheduler store, grounded on the same
// mutex-guarded map pattern as pkg/checkpoint's MemoryStore — a single
// lock serializes claims the way SQLite's single-writer model does for
// SQLiteStore, satisfying J1 without a separate CAS loop.
type MemoryStore struct {
	mu         sync.Mutex
	jobs       map[string]*jobRow
	heartbeats map[string]time.Time
	metrics    *metrics.Registry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]*jobRow),
		heartbeats: make(map[string]time.Time),
	}
}

// WithMetrics attaches a metrics registry; ClaimConflicts is incremented
// on every lost-claim rejection once set. Returns s for chaining.
func (s *MemoryStore) WithMetrics(m *metrics.Registry) *MemoryStore {
	s.metrics = m
	return s
}

func (s *MemoryStore) CreateJob(ctx context.Context, jobID string, items []any, parallelism int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := &jobRow{
		job: Job{ID: jobID, Status: "running", TotalItems: len(items), Parallelism: parallelism},
	}
	for i, input := range items {
		row.items = append(row.items, &JobItem{
			ID:        fmt.Sprintf("%s-item-%d", jobID, i),
			JobID:     jobID,
			ItemIndex: i,
			Input:     input,
			Status:    ItemPending,
		})
	}
	s.jobs[jobID] = row
	return nil
}

func (s *MemoryStore) ClaimNext(ctx context.Context, workerID, jobID string) (*JobItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}

	// Lowest item_index first — the J1/P5 tie-break.
	var claimed *JobItem
	for _, item := range row.items {
		if item.Status == ItemPending {
			claimed = item
			break
		}
	}
	if claimed == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	claimed.Status = ItemClaimed
	claimed.WorkerID = workerID
	claimed.ClaimedAt = &now

	out := *claimed
	return &out, nil
}

func (s *MemoryStore) CompleteItem(ctx context.Context, workerID, itemID string, output any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, row, err := s.findItem(itemID)
	if err != nil {
		return err
	}
	if item.Status.IsTerminal() || item.WorkerID != workerID {
		if s.metrics != nil {
			s.metrics.ClaimConflicts.Inc()
		}
		return &orcherrors.ClaimLostError{JobID: row.job.ID, ItemID: itemID, WorkerID: workerID}
	}

	now := time.Now().UTC()
	item.Status = ItemCompleted
	item.Output = output
	item.CompletedAt = &now
	row.job.CompletedItems++
	return nil
}

func (s *MemoryStore) FailItem(ctx context.Context, workerID, itemID string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, row, err := s.findItem(itemID)
	if err != nil {
		return err
	}
	if item.Status.IsTerminal() || item.WorkerID != workerID {
		if s.metrics != nil {
			s.metrics.ClaimConflicts.Inc()
		}
		return &orcherrors.ClaimLostError{JobID: row.job.ID, ItemID: itemID, WorkerID: workerID}
	}

	now := time.Now().UTC()
	item.Status = ItemFailed
	item.Error = errMsg
	item.CompletedAt = &now
	row.job.FailedItems++
	return nil
}

// findItem must be called with s.mu held.
func (s *MemoryStore) findItem(itemID string) (*JobItem, *jobRow, error) {
	for _, row := range s.jobs {
		for _, item := range row.items {
			if item.ID == itemID {
				return item, row, nil
			}
		}
	}
	return nil, nil, fmt.Errorf("scheduler: item %s not found", itemID)
}

func (s *MemoryStore) Heartbeat(ctx context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[workerID] = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ReclaimStale(ctx context.Context, now time.Time, threshold time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reclaimed := 0
	for _, row := range s.jobs {
		for _, item := range row.items {
			if item.Status != ItemClaimed && item.Status != ItemRunning {
				continue
			}
			lastHB, ok := s.heartbeats[item.WorkerID]
			if !ok || now.Sub(lastHB) > threshold {
				item.Status = ItemPending
				item.WorkerID = ""
				item.ClaimedAt = nil
				reclaimed++
			}
		}
	}
	return reclaimed, nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("scheduler: job %s not found", jobID)
	}
	j := row.job
	return &j, nil
}
