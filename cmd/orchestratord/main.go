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

// orchestratord runs a single workflow spec to completion (or to its
// first checkpointed pause) and prints the resulting status. It is a
// thin adapter over pkg/config, pkg/engine, pkg/checkpoint, pkg/golden,
// pkg/policy, and pkg/metrics — not a command tree; the teacher's
// cobra-based CLI surface (subcommands, interactive prompts, MCP/remote
// serving) is out of scope here, see DESIGN.md.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/orchestrator/internal/log"
	"github.com/tombee/orchestrator/pkg/checkpoint"
	"github.com/tombee/orchestrator/pkg/config"
	"github.com/tombee/orchestrator/pkg/engine"
	"github.com/tombee/orchestrator/pkg/golden"
	"github.com/tombee/orchestrator/pkg/metrics"
	"github.com/tombee/orchestrator/pkg/orchspec"
	"github.com/tombee/orchestrator/pkg/policy"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		specPath         = flag.String("spec", "", "path to a workflow spec YAML file (required)")
		configPath       = flag.String("config", "", "path to a pkg/config YAML file; defaults applied if empty")
		runID            = flag.String("run-id", "", "run id; generated if empty (supply the same id to resume a checkpointed run)")
		baseSeed         = flag.String("seed", "", "base seed for deterministic replay; generated if empty")
		agentID          = flag.String("agent-id", "", "agent id charged against any configured per-agent budget")
		checkpointDBPath = flag.String("checkpoint-db", "", "sqlite checkpoint database path; overrides config.checkpoint")
		goldenDir        = flag.String("golden-dir", "", "directory for signed golden event records; overrides config.golden")
		stepCeilingMinor = flag.Int64("step-ceiling-minor", 0, "deny any step whose estimated cost exceeds this many minor currency units; overrides config.policy")
		workflowCeiling  = flag.Int64("workflow-ceiling-minor", 0, "deny execution once a run's accumulated spend exceeds this many minor currency units; overrides config.policy")
		metricsAddr      = flag.String("metrics-addr", "", "address to serve /metrics on, e.g. :9090; disabled if empty")
		showVersion      = flag.Bool("version", false, "print version information and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("orchestratord %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	if *specPath == "" {
		logger.Error("missing required -spec flag")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	// CLI flag overrides take precedence over the config file, matching
	// cmd/conductord's "Apply CLI flag overrides" block.
	if *checkpointDBPath != "" {
		cfg.Checkpoint.Backend = "sqlite"
		cfg.Checkpoint.SQLitePath = *checkpointDBPath
	}
	if *goldenDir != "" {
		cfg.Golden.Enabled = true
		cfg.Golden.Dir = *goldenDir
	}
	if *stepCeilingMinor > 0 {
		cfg.Policy.StepCeilingMinor = *stepCeilingMinor
	}
	if *workflowCeiling > 0 {
		cfg.Policy.WorkflowCeilingMinor = *workflowCeiling
	}
	if cfg.Golden.Enabled {
		if err := cfg.Validate(); err != nil {
			logger.Error("invalid configuration after flag overrides", slog.Any("error", err))
			os.Exit(2)
		}
	}

	spec, err := orchspec.Load(*specPath)
	if err != nil {
		logger.Error("failed to load workflow spec", slog.Any("error", err))
		os.Exit(1)
	}

	if *runID == "" {
		*runID = uuid.NewString()
	}
	if *baseSeed == "" {
		*baseSeed = uuid.NewString()
	}

	promReg := prometheus.NewRegistry()
	metricsRegistry := metrics.NewRegistry(promReg)

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", slog.Any("error", err))
			}
		}()
		logger.Info("serving metrics", slog.String("addr", *metricsAddr))
	}

	checkpoints, closeCheckpoints, err := openCheckpointStore(cfg.Checkpoint)
	if err != nil {
		logger.Error("failed to open checkpoint store", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeCheckpoints()

	recorder, closeRecorder, err := openGoldenRecorder(cfg.Golden, *runID, metricsRegistry)
	if err != nil {
		logger.Error("failed to open golden recorder", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeRecorder()

	var enforcer *policy.Enforcer
	if cfg.Policy.StepCeilingMinor > 0 || cfg.Policy.WorkflowCeilingMinor > 0 || cfg.Policy.EmergencyStop {
		enforcer = policy.NewEnforcer(policy.Config{
			StepCeilingMinor:     cfg.Policy.StepCeilingMinor,
			WorkflowCeilingMinor: cfg.Policy.WorkflowCeilingMinor,
			RatePerSecond:        cfg.Policy.RatePerSecond,
			Burst:                cfg.Policy.Burst,
			EmergencyStop:        policy.NewEmergencyStop(cfg.Policy.EmergencyStop),
			Metrics:              metricsRegistry,
		})
	}

	eng := engine.NewEngine(noopRegistry{}).
		WithCheckpoints(checkpoints).
		WithRecorder(recorder).
		WithMetrics(metricsRegistry)
	if enforcer != nil {
		eng = eng.WithPolicy(enforcer)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting run", slog.String("run_id", *runID), slog.String("workflow_id", spec.WorkflowID))

	result, err := eng.Run(ctx, spec, *runID, *baseSeed, false, *agentID)
	if err != nil {
		logger.Error("run failed to start", slog.Any("error", err))
		os.Exit(1)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		logger.Error("failed to marshal run result", slog.Any("error", err))
		os.Exit(1)
	}
	fmt.Println(string(out))

	if result.Status != engine.StatusCompleted {
		os.Exit(1)
	}
}

func openCheckpointStore(cfg config.CheckpointConfig) (checkpoint.Store, func(), error) {
	if cfg.Backend == "sqlite" {
		store, err := checkpoint.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
	return checkpoint.NewMemoryStore(), func() {}, nil
}

func openGoldenRecorder(cfg config.GoldenConfig, runID string, metricsRegistry *metrics.Registry) (golden.Recorder, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}
	key, err := hex.DecodeString(cfg.SigningKeyHex)
	if err != nil {
		return nil, nil, fmt.Errorf("orchestratord: invalid golden signing key: %w", err)
	}
	fr, err := golden.NewFileRecorder(cfg.Dir, runID)
	if err != nil {
		return nil, nil, err
	}
	fr.WithMetrics(metricsRegistry)
	closeFn := func() {
		if err := fr.Sign(key); err != nil {
			slog.Default().Error("failed to sign golden record", slog.Any("error", err))
		}
		fr.Close()
	}
	return fr, closeFn, nil
}

// noopRegistry is a placeholder SkillRegistry: orchestratord wires
// whatever skill backends a deployment needs (HTTP callouts, local
// subprocess skills, the reply-inbox router in pkg/inbox for
// async skills) by constructing a real engine.SkillRegistry in code;
// this binary's job is demonstrating the run loop end to end.
type noopRegistry struct{}

func (noopRegistry) Invoke(ctx context.Context, skillID, version string, inputs map[string]any, seed string) (engine.StepResult, error) {
	return engine.StepResult{Output: map[string]any{}}, fmt.Errorf("orchestratord: no skill registry configured, cannot invoke %s", skillID)
}
