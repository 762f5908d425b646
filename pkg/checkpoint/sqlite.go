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

package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable checkpoint backend, grounded on
// internal/controller/backend/sqlite/sqlite.go's connection setup
// (single writer connection, WAL-capable pragmas) and on
// internal/controller/backend/postgres/postgres.go's
// `INSERT ... ON CONFLICT DO UPDATE` upsert shape, translated to
// SQLite's `ON CONFLICT(run_id) DO UPDATE` syntax.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a checkpoint database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: ping: %w", err)
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
			return nil, fmt.Errorf("checkpoint: pragma %q: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS workflow_checkpoints (
		run_id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		next_step_index INTEGER NOT NULL,
		last_result_hash TEXT NOT NULL,
		step_outputs_json TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: migrate: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Save implements the upsert contract of §4.3: created_at is preserved
// across repeated saves for the same run_id (C1), updated_at always
// advances (C2), and the content hash is always recomputed here, never
// accepted from the caller (C3).
func (s *SQLiteStore) Save(ctx context.Context, runID, workflowID string, nextStepIndex int, stepOutputs map[string]any, status Status) (string, error) {
	hash, err := ContentHash(stepOutputs)
	if err != nil {
		return "", err
	}
	outputsJSON, err := json.Marshal(stepOutputs)
	if err != nil {
		return "", fmt.Errorf("checkpoint: marshal step_outputs: %w", err)
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints
			(run_id, workflow_id, next_step_index, last_result_hash, step_outputs_json, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			next_step_index = excluded.next_step_index,
			last_result_hash = excluded.last_result_hash,
			step_outputs_json = excluded.step_outputs_json,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, runID, workflowID, nextStepIndex, hash, string(outputsJSON), string(status), now, now)
	if err != nil {
		return "", fmt.Errorf("checkpoint: upsert: %w", err)
	}
	return hash, nil
}

func (s *SQLiteStore) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, workflow_id, next_step_index, last_result_hash, step_outputs_json, status, created_at, updated_at
		FROM workflow_checkpoints WHERE run_id = ?
	`, runID)

	var cp Checkpoint
	var outputsJSON, statusStr string
	err := row.Scan(&cp.RunID, &cp.WorkflowID, &cp.NextStepIndex, &cp.LastResultHash, &outputsJSON, &statusStr, &cp.CreatedAt, &cp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load %s: %w", runID, err)
	}
	cp.Status = Status(statusStr)
	if err := json.Unmarshal([]byte(outputsJSON), &cp.StepOutputs); err != nil {
		return nil, fmt.Errorf("checkpoint: unmarshal step_outputs for %s: %w", runID, err)
	}
	return &cp, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_checkpoints WHERE run_id = ?`, runID)
	if err != nil {
		return false, fmt.Errorf("checkpoint: delete %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checkpoint: rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListRunning(ctx context.Context, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, workflow_id, next_step_index, last_result_hash, step_outputs_json, status, created_at, updated_at
		FROM workflow_checkpoints
		WHERE status IN ('running', 'paused')
		ORDER BY run_id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list_running: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var outputsJSON, statusStr string
		if err := rows.Scan(&cp.RunID, &cp.WorkflowID, &cp.NextStepIndex, &cp.LastResultHash, &outputsJSON, &statusStr, &cp.CreatedAt, &cp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("checkpoint: scan: %w", err)
		}
		cp.Status = Status(statusStr)
		if err := json.Unmarshal([]byte(outputsJSON), &cp.StepOutputs); err != nil {
			return nil, fmt.Errorf("checkpoint: unmarshal step_outputs for %s: %w", cp.RunID, err)
		}
		out = append(out, &cp)
	}
	return out, rows.Err()
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
