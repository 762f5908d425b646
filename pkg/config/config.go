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

// Package config loads the per-subsystem settings that wire together
// pkg/engine, pkg/checkpoint, pkg/policy, pkg/scheduler, and pkg/golden.
//
// Grounded on internal/config/config.go's Load shape: Default() seeds
// zero-value-safe defaults, an optional YAML file overlays them,
// loadFromEnv overrides fields from fixed environment variable names
// (the golden signing key, the emergency-stop toggle, the checkpoint
// SQLite path) the same way the teacher keeps secrets out of YAML, and
// Validate runs last. YAML values are not `${VAR}`-expanded.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/orchestrator/pkg/orcherrors"
	"gopkg.in/yaml.v3"
)

// Config is the complete orchestratord configuration.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Policy     PolicyConfig     `yaml:"policy"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Golden     GoldenConfig     `yaml:"golden"`
}

// EngineConfig configures pkg/engine.Engine.
type EngineConfig struct {
	// DefaultWorkflowTimeout is loaded and defaulted here but no package
	// in this module reads it; pkg/engine bounds a run only when the
	// WorkflowSpec sets TimeoutMS.
	DefaultWorkflowTimeout time.Duration `yaml:"default_workflow_timeout"`
	// DefaultRetryBackoffMS is loaded and defaulted here but no package
	// in this module reads it; pkg/engine uses a 1000ms base when a
	// step's RetryBackoffBaseMS is not positive.
	DefaultRetryBackoffMS int64 `yaml:"default_retry_backoff_ms"`
}

// CheckpointConfig configures pkg/checkpoint.
type CheckpointConfig struct {
	// Backend selects "memory" or "sqlite".
	Backend string `yaml:"backend"`
	// SQLitePath is the database file path when Backend is "sqlite".
	SQLitePath string `yaml:"sqlite_path,omitempty"`
}

// PolicyConfig configures pkg/policy.Enforcer.
type PolicyConfig struct {
	StepCeilingMinor     int64   `yaml:"step_ceiling_minor"`
	WorkflowCeilingMinor int64   `yaml:"workflow_ceiling_minor"`
	RatePerSecond        float64 `yaml:"rate_per_second"`
	Burst                int     `yaml:"burst"`
	// EmergencyStop is read from CONDUCTOR_ORCHESTRATOR_EMERGENCY_STOP at
	// load time, never committed to YAML (§4.4 control-plane toggle).
	EmergencyStop bool `yaml:"-"`
}

// SchedulerConfig configures pkg/scheduler.
type SchedulerConfig struct {
	Backend            string        `yaml:"backend"`
	SQLitePath         string        `yaml:"sqlite_path,omitempty"`
	StaleClaimTimeout  time.Duration `yaml:"stale_claim_timeout"`
	DefaultParallelism int           `yaml:"default_parallelism"`
}

// GoldenConfig configures pkg/golden.
type GoldenConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir,omitempty"`
	// SigningKeyHex is overridden by CONDUCTOR_ORCHESTRATOR_GOLDEN_KEY at
	// load time when that variable is set; Validate only checks that a
	// key is present, not where it came from.
	SigningKeyHex string `yaml:"signing_key_hex,omitempty"`
}

// Default returns a Config with the same zero-value-safe defaults the
// engine/checkpoint/scheduler packages themselves fall back to, so a
// caller can start from Default() and override only what they need.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			DefaultWorkflowTimeout: 15 * time.Minute,
			DefaultRetryBackoffMS:  1000,
		},
		Checkpoint: CheckpointConfig{
			Backend: "memory",
		},
		Policy: PolicyConfig{
			RatePerSecond: 0, // 0 disables the limiter, matching policy.Enforcer's nil-limiter fast path
			Burst:         0,
		},
		Scheduler: SchedulerConfig{
			Backend:            "memory",
			StaleClaimTimeout:  60 * time.Second,
			DefaultParallelism: 1,
		},
		Golden: GoldenConfig{
			Enabled: false,
		},
	}
}

// Load reads configPath (if non-empty) over Default(), applies
// environment overrides, and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", configPath, err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromEnv applies the teacher's convention of keeping secrets and
// runtime toggles out of YAML: CONDUCTOR_ORCHESTRATOR_GOLDEN_KEY
// supplies the golden signing key, and
// CONDUCTOR_ORCHESTRATOR_EMERGENCY_STOP flips the policy kill switch.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("CONDUCTOR_ORCHESTRATOR_GOLDEN_KEY"); v != "" {
		c.Golden.SigningKeyHex = v
	}
	if v := os.Getenv("CONDUCTOR_ORCHESTRATOR_EMERGENCY_STOP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Policy.EmergencyStop = b
		}
	}
	if v := os.Getenv("CONDUCTOR_ORCHESTRATOR_CHECKPOINT_SQLITE_PATH"); v != "" {
		c.Checkpoint.SQLitePath = v
		c.Checkpoint.Backend = "sqlite"
	}
}

// Validate rejects configurations the engine could not safely run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Checkpoint.Backend) {
	case "memory", "sqlite":
	default:
		return &orcherrors.ValidationError{Field: "checkpoint.backend", Message: fmt.Sprintf("unknown backend %q, want memory or sqlite", c.Checkpoint.Backend)}
	}
	if c.Checkpoint.Backend == "sqlite" && c.Checkpoint.SQLitePath == "" {
		return &orcherrors.ValidationError{Field: "checkpoint.sqlite_path", Message: "required when checkpoint.backend is sqlite"}
	}

	switch strings.ToLower(c.Scheduler.Backend) {
	case "memory", "sqlite":
	default:
		return &orcherrors.ValidationError{Field: "scheduler.backend", Message: fmt.Sprintf("unknown backend %q, want memory or sqlite", c.Scheduler.Backend)}
	}
	if c.Scheduler.Backend == "sqlite" && c.Scheduler.SQLitePath == "" {
		return &orcherrors.ValidationError{Field: "scheduler.sqlite_path", Message: "required when scheduler.backend is sqlite"}
	}
	if c.Scheduler.StaleClaimTimeout <= 0 {
		return &orcherrors.ValidationError{Field: "scheduler.stale_claim_timeout", Message: "must be positive"}
	}

	if c.Golden.Enabled {
		if c.Golden.Dir == "" {
			return &orcherrors.ValidationError{Field: "golden.dir", Message: "required when golden.enabled is true"}
		}
		if c.Golden.SigningKeyHex == "" {
			return &orcherrors.ValidationError{Field: "golden.signing_key_hex", Message: "required when golden.enabled is true (set via CONDUCTOR_ORCHESTRATOR_GOLDEN_KEY, not YAML)"}
		}
	}

	return nil
}
