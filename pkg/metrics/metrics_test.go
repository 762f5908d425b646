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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistryRegistersEveryMetricExactlyOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRegistry(reg)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}

	want := []string{
		"runs_started_total",
		"runs_completed_total",
		"step_duration_seconds",
		"step_retries_total",
		"checkpoint_save_seconds",
		"replay_mismatches_total",
		"golden_tamper_total",
		"policy_denials_total",
		"claim_conflicts_total",
		"inbox_timeouts_total",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("expected metric %q to be registered, got %v", name, names)
		}
	}
}

func TestRegisteringTwiceAgainstTheSameRegistererPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRegistry(reg)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected a panic from MustRegister on a duplicate collector")
		}
	}()
	NewRegistry(reg)
}

func TestLabeledCountersAccumulateByLabelValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.PolicyDenials.WithLabelValues("step_ceiling").Inc()
	r.PolicyDenials.WithLabelValues("step_ceiling").Inc()
	r.PolicyDenials.WithLabelValues("workflow_ceiling").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var metrics []*dto.Metric
	for _, f := range families {
		if f.GetName() == "policy_denials_total" {
			metrics = f.GetMetric()
		}
	}
	if len(metrics) != 2 {
		t.Fatalf("expected 2 distinct label combinations, got %d", len(metrics))
	}

	byKind := map[string]float64{}
	for _, m := range metrics {
		for _, l := range m.GetLabel() {
			if l.GetName() == "kind" {
				byKind[l.GetValue()] = m.GetCounter().GetValue()
			}
		}
	}
	if byKind["step_ceiling"] != 2 {
		t.Errorf("expected step_ceiling=2, got %v", byKind["step_ceiling"])
	}
	if byKind["workflow_ceiling"] != 1 {
		t.Errorf("expected workflow_ceiling=1, got %v", byKind["workflow_ceiling"])
	}
}
