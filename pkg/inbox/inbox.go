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

// Package inbox implements the reply-inbox router (§4.8, §9's
// "cross-workflow invoke timeout" redesign note): a single-slot,
// correlation-id-keyed request/reply cell with at-most-once delivery,
// deadline-based timeout, and cooperative cancellation.
//
// No direct teacher file grounds this component (internal/rpc and
// pkg/agent solve a different, process-boundary request/response shape
// — see DESIGN.md). It is authored in the teacher's idiom: a small
// mutex-guarded struct in the shape of internal/tracing/audit/logger.go's
// Logger, using context.Context deadlines the way executor.go's retry
// loop does (select on ctx.Done()/time.After).
package inbox

import (
	"context"
	"sync"

	"github.com/tombee/orchestrator/pkg/orcherrors"
)

// cell is a single-slot reply record keyed by invoke_id.
type cell struct {
	mu        sync.Mutex
	delivered bool
	cancelled bool
	result    any
	err       error
	done      chan struct{}
}

func newCell() *cell {
	return &cell{done: make(chan struct{})}
}

// Router holds all in-flight reply cells for one process. A workflow
// engine registers a cell before dispatching a cross-workflow invoke and
// waits on it; the callee's engine posts the result under the same
// invoke_id.
type Router struct {
	mu    sync.Mutex
	cells map[string]*cell
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{cells: make(map[string]*cell)}
}

// Register creates a fresh single-slot inbox for invokeID. It is an
// error to register the same invokeID twice without it having been
// cleared by a prior Wait.
func (r *Router) Register(invokeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cells[invokeID] = newCell()
}

// Complete posts result under invokeID. Only the first Complete call for
// a given invokeID is delivered (at-most-once delivery, per §4.8); a
// second call returns an error rather than silently overwriting the
// first reply.
func (r *Router) Complete(invokeID string, result any) error {
	r.mu.Lock()
	c, ok := r.cells[invokeID]
	r.mu.Unlock()
	if !ok {
		return &orcherrors.ValidationError{Field: "invoke_id", Message: "no inbox registered for invoke_id " + invokeID}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delivered {
		return &orcherrors.ValidationError{Field: "invoke_id", Message: "invoke_id " + invokeID + " already completed"}
	}
	c.delivered = true
	c.result = result
	close(c.done)
	return nil
}

// Cancel marks invokeID's cell cancelled, a cooperative flag the callee
// is expected to observe and stop work on (§4.8's cancellation
// propagation).
func (r *Router) Cancel(invokeID string) {
	r.mu.Lock()
	c, ok := r.cells[invokeID]
	r.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
}

// Cancelled reports whether invokeID's cell has been cancelled.
func (r *Router) Cancelled(invokeID string) bool {
	r.mu.Lock()
	c, ok := r.cells[invokeID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Wait blocks until invokeID's cell is completed, ctx is done (returning
// a CancellationError), or the deadline carried by ctx expires (returning
// a TimeoutError). The cell is cleared from the router before returning,
// whatever the outcome.
func (r *Router) Wait(ctx context.Context, invokeID string) (any, error) {
	r.mu.Lock()
	c, ok := r.cells[invokeID]
	r.mu.Unlock()
	if !ok {
		return nil, &orcherrors.ValidationError{Field: "invoke_id", Message: "no inbox registered for invoke_id " + invokeID}
	}
	defer r.clear(invokeID)

	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.result, c.err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &orcherrors.TimeoutError{Operation: "reply-inbox wait for " + invokeID, Cause: ctx.Err()}
		}
		return nil, &orcherrors.CancellationError{RunID: invokeID}
	}
}

func (r *Router) clear(invokeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cells, invokeID)
}
