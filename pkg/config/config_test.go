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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Checkpoint.Backend != "memory" {
		t.Errorf("expected checkpoint backend 'memory', got %q", cfg.Checkpoint.Backend)
	}
	if cfg.Scheduler.StaleClaimTimeout != 60*time.Second {
		t.Errorf("expected stale claim timeout 60s, got %v", cfg.Scheduler.StaleClaimTimeout)
	}
	if cfg.Golden.Enabled {
		t.Error("expected golden recording disabled by default")
	}
	if cfg.Policy.EmergencyStop {
		t.Error("expected emergency stop off by default")
	}
}

func TestLoadWithNoPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Scheduler.Backend != "memory" {
		t.Errorf("expected scheduler backend 'memory', got %q", cfg.Scheduler.Backend)
	}
}

func TestLoadOverlaysYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlBody := `
checkpoint:
  backend: sqlite
  sqlite_path: /tmp/checkpoints.db
scheduler:
  backend: sqlite
  sqlite_path: /tmp/scheduler.db
  stale_claim_timeout: 90s
`
	if err := os.WriteFile(path, []byte(yamlBody), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Checkpoint.Backend != "sqlite" || cfg.Checkpoint.SQLitePath != "/tmp/checkpoints.db" {
		t.Errorf("expected checkpoint overlay applied, got %+v", cfg.Checkpoint)
	}
	if cfg.Scheduler.StaleClaimTimeout != 90*time.Second {
		t.Errorf("expected stale_claim_timeout overridden to 90s, got %v", cfg.Scheduler.StaleClaimTimeout)
	}
	// Untouched sections keep their defaults.
	if cfg.Engine.DefaultRetryBackoffMS != 1000 {
		t.Errorf("expected engine defaults preserved, got %+v", cfg.Engine)
	}
}

func TestLoadRejectsSQLiteBackendWithoutPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("checkpoint:\n  backend: sqlite\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for sqlite backend with no path")
	}
}

func TestLoadRejectsGoldenEnabledWithoutDirOrKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("golden:\n  enabled: true\n"), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for golden.enabled without dir/key")
	}
}

func TestGoldenKeyFromEnvOverridesYAML(t *testing.T) {
	t.Setenv("CONDUCTOR_ORCHESTRATOR_GOLDEN_KEY", "deadbeef")

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "golden:\n  enabled: true\n  dir: /tmp/golden\n"
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Golden.SigningKeyHex != "deadbeef" {
		t.Errorf("expected golden key sourced from environment, got %q", cfg.Golden.SigningKeyHex)
	}
}

func TestEmergencyStopFromEnv(t *testing.T) {
	t.Setenv("CONDUCTOR_ORCHESTRATOR_EMERGENCY_STOP", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Policy.EmergencyStop {
		t.Error("expected emergency stop to be enabled via environment override")
	}
}
