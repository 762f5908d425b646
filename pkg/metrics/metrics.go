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

// Package metrics defines the bounded-cardinality counter/histogram set
// from §6 and wires it directly to prometheus/client_golang (the
// teacher's own metrics dependency; the OTel SDK/exporter stack the
// teacher also carries is dropped, see DESIGN.md, because this spec asks
// for nothing beyond a Prometheus-shaped sink).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric named in §6's minimum set.
type Registry struct {
	RunsStarted          *prometheus.CounterVec
	RunsCompleted        *prometheus.CounterVec
	StepDuration         *prometheus.HistogramVec
	StepRetries          *prometheus.CounterVec
	CheckpointSaveSeconds prometheus.Histogram
	ReplayMismatches     prometheus.Counter
	GoldenTamper         prometheus.Counter
	PolicyDenials        *prometheus.CounterVec
	ClaimConflicts       prometheus.Counter
	InboxTimeouts        prometheus.Counter
}

// NewRegistry constructs and registers every metric against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		RunsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runs_started_total",
			Help: "Total workflow runs started, labeled by initial status.",
		}, []string{"status"}),
		RunsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runs_completed_total",
			Help: "Total workflow runs reaching a terminal status.",
		}, []string{"status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "step_duration_seconds",
			Help: "Step execution duration in seconds.",
		}, []string{"skill_id"}),
		StepRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "step_retries_total",
			Help: "Total step retry attempts, labeled by skill and error kind.",
		}, []string{"skill_id", "error_kind"}),
		CheckpointSaveSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "checkpoint_save_seconds",
			Help: "Checkpoint save latency in seconds.",
		}),
		ReplayMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "replay_mismatches_total",
			Help: "Total replay comparisons that found a semantic diff.",
		}),
		GoldenTamper: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "golden_tamper_total",
			Help: "Total golden-record signature verification failures.",
		}),
		PolicyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_denials_total",
			Help: "Total policy enforcer denials, labeled by denial kind.",
		}, []string{"kind"}),
		ClaimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claim_conflicts_total",
			Help: "Total job-item claim attempts that lost a race to another worker.",
		}),
		InboxTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inbox_timeouts_total",
			Help: "Total reply-inbox waits that expired before a reply arrived.",
		}),
	}

	reg.MustRegister(
		r.RunsStarted, r.RunsCompleted, r.StepDuration, r.StepRetries,
		r.CheckpointSaveSeconds, r.ReplayMismatches, r.GoldenTamper,
		r.PolicyDenials, r.ClaimConflicts, r.InboxTimeouts,
	)
	return r
}
