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

package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/tombee/orchestrator/pkg/orcherrors"
)

func TestRegisterCompleteWaitRoundTrip(t *testing.T) {
	r := NewRouter()
	r.Register("invoke-1")

	go func() {
		time.Sleep(10 * time.Millisecond)
		if err := r.Complete("invoke-1", map[string]any{"ok": true}); err != nil {
			t.Errorf("unexpected error completing: %v", err)
		}
	}()

	result, err := r.Wait(context.Background(), "invoke-1")
	if err != nil {
		t.Fatalf("unexpected error waiting: %v", err)
	}
	m, ok := result.(map[string]any)
	if !ok || m["ok"] != true {
		t.Fatalf("unexpected result: %v", result)
	}
}

func TestSecondCompleteOnSameInvokeIDRejected(t *testing.T) {
	r := NewRouter()
	r.Register("invoke-1")

	if err := r.Complete("invoke-1", "first"); err != nil {
		t.Fatalf("unexpected error on first complete: %v", err)
	}
	err := r.Complete("invoke-1", "second")
	if err == nil {
		t.Fatal("expected second complete to be rejected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := r.Wait(ctx, "invoke-1")
	if err != nil {
		t.Fatalf("unexpected error waiting: %v", err)
	}
	if result != "first" {
		t.Fatalf("expected at-most-once delivery to keep the first reply, got %v", result)
	}
}

func TestWaitTimesOutOnDeadline(t *testing.T) {
	r := NewRouter()
	r.Register("invoke-1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := r.Wait(ctx, "invoke-1")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var timeoutErr *orcherrors.TimeoutError
	if !asTimeoutError(err, &timeoutErr) {
		t.Fatalf("expected *orcherrors.TimeoutError, got %T: %v", err, err)
	}
}

func TestWaitReturnsCancellationOnContextCancel(t *testing.T) {
	r := NewRouter()
	r.Register("invoke-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Wait(ctx, "invoke-1")
	if _, ok := err.(*orcherrors.CancellationError); !ok {
		t.Fatalf("expected *orcherrors.CancellationError, got %T: %v", err, err)
	}
}

func TestCancelMarksCellCancelled(t *testing.T) {
	r := NewRouter()
	r.Register("invoke-1")

	if r.Cancelled("invoke-1") {
		t.Fatal("expected fresh cell to be uncancelled")
	}
	r.Cancel("invoke-1")
	if !r.Cancelled("invoke-1") {
		t.Fatal("expected cell to be cancelled after Cancel")
	}
}

func TestWaitClearsCellAfterDelivery(t *testing.T) {
	r := NewRouter()
	r.Register("invoke-1")
	if err := r.Complete("invoke-1", "done"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Wait(context.Background(), "invoke-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// invoke-1 should now be cleared; a second wait without re-registering
	// must fail rather than hang.
	_, err := r.Wait(context.Background(), "invoke-1")
	if err == nil {
		t.Fatal("expected error waiting on a cleared, unregistered invoke_id")
	}
}

func TestCompleteUnknownInvokeIDErrors(t *testing.T) {
	r := NewRouter()
	if err := r.Complete("never-registered", "x"); err == nil {
		t.Fatal("expected error completing an unregistered invoke_id")
	}
}

func asTimeoutError(err error, target **orcherrors.TimeoutError) bool {
	if te, ok := err.(*orcherrors.TimeoutError); ok {
		*target = te
		return true
	}
	return false
}
