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
	"path/filepath"
	"sync"
	"testing"
)

func testStores(t *testing.T) map[string]Store {
	t.Helper()
	sqliteStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqliteStore,
	}
}

func TestSavePreservesCreatedAtAcrossUpserts(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := store.Save(ctx, "run-1", "wf-1", 0, map[string]any{"a": 1}, StatusRunning); err != nil {
				t.Fatalf("first save: %v", err)
			}
			first, err := store.Load(ctx, "run-1")
			if err != nil || first == nil {
				t.Fatalf("load after first save: %v, %v", first, err)
			}

			if _, err := store.Save(ctx, "run-1", "wf-1", 1, map[string]any{"a": 1, "b": 2}, StatusRunning); err != nil {
				t.Fatalf("second save: %v", err)
			}
			second, err := store.Load(ctx, "run-1")
			if err != nil || second == nil {
				t.Fatalf("load after second save: %v, %v", second, err)
			}

			if !first.CreatedAt.Equal(second.CreatedAt) {
				t.Fatalf("created_at changed across upserts: %v vs %v", first.CreatedAt, second.CreatedAt)
			}
			if second.NextStepIndex != 1 {
				t.Fatalf("expected next_step_index to advance, got %d", second.NextStepIndex)
			}
		})
	}
}

func TestSaveIdempotentHashOnSamePayload(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			outputs := map[string]any{"a": 1, "b": "two"}

			h1, err := store.Save(ctx, "run-2", "wf-1", 0, outputs, StatusRunning)
			if err != nil {
				t.Fatalf("first save: %v", err)
			}
			h2, err := store.Save(ctx, "run-2", "wf-1", 0, outputs, StatusRunning)
			if err != nil {
				t.Fatalf("second save: %v", err)
			}
			if h1 != h2 {
				t.Fatalf("expected stable hash for identical payload, got %q vs %q", h1, h2)
			}
			if len(h1) != 16 {
				t.Fatalf("expected 16-char content hash, got %d chars", len(h1))
			}
		})
	}
}

func TestLoadMissingReturnsNilNotError(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			cp, err := store.Load(context.Background(), "does-not-exist")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cp != nil {
				t.Fatalf("expected nil checkpoint, got %+v", cp)
			}
		})
	}
}

func TestDeleteReportsWhetherRowExisted(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.Save(ctx, "run-3", "wf-1", 0, map[string]any{}, StatusRunning)

			ok, err := store.Delete(ctx, "run-3")
			if err != nil || !ok {
				t.Fatalf("expected delete to report true, got %v, %v", ok, err)
			}
			ok, err = store.Delete(ctx, "run-3")
			if err != nil || ok {
				t.Fatalf("expected second delete to report false, got %v, %v", ok, err)
			}
		})
	}
}

func TestListRunningFiltersByStatus(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.Save(ctx, "running-1", "wf-1", 0, map[string]any{}, StatusRunning)
			store.Save(ctx, "paused-1", "wf-1", 0, map[string]any{}, StatusPaused)
			store.Save(ctx, "done-1", "wf-1", 0, map[string]any{}, StatusCompleted)

			rows, err := store.ListRunning(ctx, 10)
			if err != nil {
				t.Fatalf("list_running: %v", err)
			}
			if len(rows) != 2 {
				t.Fatalf("expected 2 running/paused rows, got %d", len(rows))
			}
		})
	}
}

func TestConcurrentSaveDoesNotCorruptCreatedAt(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	store.Save(ctx, "run-race", "wf-1", 0, map[string]any{}, StatusRunning)
	first, _ := store.Load(ctx, "run-race")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			store.Save(ctx, "run-race", "wf-1", n, map[string]any{"n": n}, StatusRunning)
		}(i)
	}
	wg.Wait()

	final, _ := store.Load(ctx, "run-race")
	if !final.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at corrupted under concurrent saves: %v vs %v", first.CreatedAt, final.CreatedAt)
	}
}
