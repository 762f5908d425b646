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
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/orchestrator/pkg/metrics"
	"github.com/tombee/orchestrator/pkg/orcherrors"
)

// SQLiteStore is the durable job/claim scheduler backend, grounded on
// internal/controller/backend/postgres/postgres.go's job queue
// (EnqueueJob/DequeueJob/CompleteJob/FailJob/RecoverStalledJobs), adapted
// from `SELECT ... FOR UPDATE SKIP LOCKED` — unavailable on SQLite's
// single-writer engine — to a transaction that selects the
// lowest-item_index pending item and claims it with a conditional
// `UPDATE ... WHERE status = 'pending'`. The store's single connection
// (SetMaxOpenConns(1)) serializes those transactions the same way row
// locking serializes claims on Postgres.
type SQLiteStore struct {
	db      *sql.DB
	metrics *metrics.Registry
}

// WithMetrics attaches a metrics registry; ClaimConflicts is incremented
// on every lost-claim rejection once set. Returns s for chaining.
func (s *SQLiteStore) WithMetrics(m *metrics.Registry) *SQLiteStore {
	s.metrics = m
	return s
}

// NewSQLiteStore opens (and migrates) a scheduler database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("scheduler: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("scheduler: ping: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("scheduler: pragma %q: %w", p, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			total_items INTEGER NOT NULL,
			completed_items INTEGER NOT NULL DEFAULT 0,
			failed_items INTEGER NOT NULL DEFAULT 0,
			reserved_minor INTEGER NOT NULL DEFAULT 0,
			spent_minor INTEGER NOT NULL DEFAULT 0,
			parallelism INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS job_items (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			item_index INTEGER NOT NULL,
			input_json TEXT NOT NULL,
			output_json TEXT,
			worker_id TEXT,
			status TEXT NOT NULL,
			claimed_at TIMESTAMP,
			completed_at TIMESTAMP,
			error_text TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS job_items_job_idx ON job_items(job_id, item_index)`,
		`CREATE INDEX IF NOT EXISTS job_items_pending_idx ON job_items(job_id, status) WHERE status = 'pending'`,
		`CREATE TABLE IF NOT EXISTS worker_heartbeats (
			worker_id TEXT PRIMARY KEY,
			last_heartbeat TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("scheduler: migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, jobID string, items []any, parallelism int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("scheduler: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO jobs (id, status, total_items, parallelism) VALUES (?, 'running', ?, ?)
	`, jobID, len(items), parallelism); err != nil {
		return fmt.Errorf("scheduler: insert job: %w", err)
	}

	for i, input := range items {
		inputJSON, err := json.Marshal(input)
		if err != nil {
			return fmt.Errorf("scheduler: marshal item %d input: %w", i, err)
		}
		itemID := fmt.Sprintf("%s-item-%d", jobID, i)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_items (id, job_id, item_index, input_json, status) VALUES (?, ?, ?, ?, 'pending')
		`, itemID, jobID, i, string(inputJSON)); err != nil {
			return fmt.Errorf("scheduler: insert item %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// ClaimNext implements the J1/P5 atomic claim. The store's single
// connection (SetMaxOpenConns(1)) serializes every transaction the way
// Postgres's row lock does for DequeueJob, so the read-then-conditional-
// update below can never race a concurrent claim from another worker.
func (s *SQLiteStore) ClaimNext(ctx context.Context, workerID, jobID string) (*JobItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("scheduler: begin: %w", err)
	}
	defer tx.Rollback()

	var itemID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM job_items
		WHERE job_id = ? AND status = 'pending'
		ORDER BY item_index ASC
		LIMIT 1
	`, jobID).Scan(&itemID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler: find pending item: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE job_items SET status = 'claimed', worker_id = ?, claimed_at = ?
		WHERE id = ? AND status = 'pending'
	`, workerID, now, itemID); err != nil {
		return nil, fmt.Errorf("scheduler: claim item: %w", err)
	}

	var item JobItem
	var inputJSON string
	var claimedAt sql.NullTime
	row := tx.QueryRowContext(ctx, `
		SELECT id, job_id, item_index, input_json, worker_id, status, claimed_at
		FROM job_items WHERE id = ?
	`, itemID)
	if err := row.Scan(&item.ID, &item.JobID, &item.ItemIndex, &inputJSON, &item.WorkerID, &item.Status, &claimedAt); err != nil {
		return nil, fmt.Errorf("scheduler: reload claimed item: %w", err)
	}
	if claimedAt.Valid {
		item.ClaimedAt = &claimedAt.Time
	}
	if err := json.Unmarshal([]byte(inputJSON), &item.Input); err != nil {
		return nil, fmt.Errorf("scheduler: unmarshal input: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("scheduler: commit claim: %w", err)
	}
	return &item, nil
}

func (s *SQLiteStore) CompleteItem(ctx context.Context, workerID, itemID string, output any) error {
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("scheduler: marshal output: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("scheduler: begin: %w", err)
	}
	defer tx.Rollback()

	jobID, ok, err := claimStillHeld(ctx, tx, itemID, workerID)
	if err != nil {
		return err
	}
	if !ok {
		if s.metrics != nil {
			s.metrics.ClaimConflicts.Inc()
		}
		return &orcherrors.ClaimLostError{JobID: jobID, ItemID: itemID, WorkerID: workerID}
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE job_items SET status = 'completed', output_json = ?, completed_at = ?
		WHERE id = ? AND worker_id = ?
	`, string(outputJSON), now, itemID, workerID); err != nil {
		return fmt.Errorf("scheduler: complete item: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET completed_items = completed_items + 1 WHERE id = ?`, jobID); err != nil {
		return fmt.Errorf("scheduler: increment completed_items: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) FailItem(ctx context.Context, workerID, itemID string, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("scheduler: begin: %w", err)
	}
	defer tx.Rollback()

	jobID, ok, err := claimStillHeld(ctx, tx, itemID, workerID)
	if err != nil {
		return err
	}
	if !ok {
		if s.metrics != nil {
			s.metrics.ClaimConflicts.Inc()
		}
		return &orcherrors.ClaimLostError{JobID: jobID, ItemID: itemID, WorkerID: workerID}
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE job_items SET status = 'failed', error_text = ?, completed_at = ?
		WHERE id = ? AND worker_id = ?
	`, errMsg, now, itemID, workerID); err != nil {
		return fmt.Errorf("scheduler: fail item: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET failed_items = failed_items + 1 WHERE id = ?`, jobID); err != nil {
		return fmt.Errorf("scheduler: increment failed_items: %w", err)
	}

	return tx.Commit()
}

// claimStillHeld reports whether itemID is non-terminal and still
// attributed to workerID, returning its job_id either way.
func claimStillHeld(ctx context.Context, tx *sql.Tx, itemID, workerID string) (string, bool, error) {
	var jobID, status, owner string
	err := tx.QueryRowContext(ctx, `SELECT job_id, status, COALESCE(worker_id, '') FROM job_items WHERE id = ?`, itemID).
		Scan(&jobID, &status, &owner)
	if err == sql.ErrNoRows {
		return "", false, fmt.Errorf("scheduler: item %s not found", itemID)
	}
	if err != nil {
		return "", false, fmt.Errorf("scheduler: lookup item %s: %w", itemID, err)
	}
	if status == string(ItemCompleted) || status == string(ItemFailed) || owner != workerID {
		return jobID, false, nil
	}
	return jobID, true, nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, workerID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_heartbeats (worker_id, last_heartbeat) VALUES (?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET last_heartbeat = excluded.last_heartbeat
	`, workerID, now)
	if err != nil {
		return fmt.Errorf("scheduler: heartbeat: %w", err)
	}
	return nil
}

// ReclaimStale implements J3: only items owned by a worker whose last
// heartbeat predates now-threshold, or that has no heartbeat recorded at
// all, are reset, so an in-flight
// CompleteItem/FailItem from a worker that is still heartbeating can never
// be undercut by a concurrent reclamation.
func (s *SQLiteStore) ReclaimStale(ctx context.Context, now time.Time, threshold time.Duration) (int, error) {
	cutoff := now.Add(-threshold)
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_items SET status = 'pending', worker_id = NULL, claimed_at = NULL
		WHERE status IN ('claimed', 'running')
		AND worker_id IN (
			SELECT worker_id FROM worker_heartbeats WHERE last_heartbeat < ?
			UNION
			SELECT DISTINCT worker_id FROM job_items ji
			WHERE ji.worker_id IS NOT NULL
			AND ji.worker_id NOT IN (SELECT worker_id FROM worker_heartbeats)
		)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("scheduler: reclaim_stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("scheduler: rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var j Job
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, total_items, completed_items, failed_items, reserved_minor, spent_minor, parallelism
		FROM jobs WHERE id = ?
	`, jobID).Scan(&j.ID, &j.Status, &j.TotalItems, &j.CompletedItems, &j.FailedItems, &j.ReservedMinor, &j.SpentMinor, &j.Parallelism)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("scheduler: job %s not found", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("scheduler: get job %s: %w", jobID, err)
	}
	return &j, nil
}
