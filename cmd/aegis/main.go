package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aegis-sec/aegis/internal/approval"
	"github.com/aegis-sec/aegis/internal/audit"
	"github.com/aegis-sec/aegis/internal/bus"
	"github.com/aegis-sec/aegis/internal/catalog"
	"github.com/aegis-sec/aegis/internal/config"
	"github.com/aegis-sec/aegis/internal/engine"
	"github.com/aegis-sec/aegis/internal/llm"
	"github.com/aegis-sec/aegis/internal/metrics"
	"github.com/aegis-sec/aegis/internal/orchestrator"
	"github.com/aegis-sec/aegis/internal/planner"
	"github.com/aegis-sec/aegis/internal/restraint"
	"github.com/aegis-sec/aegis/internal/store"
	"github.com/aegis-sec/aegis/internal/workflow"
)

func configureLogger(logLevel string, useDev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if useDev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func validateRuntimeConfigReload(oldCfg, newCfg *config.Config) error {
	if oldCfg == nil || newCfg == nil {
		return fmt.Errorf("invalid config state during reload")
	}

	oldStateDB := strings.TrimSpace(oldCfg.General.StateDB)
	newStateDB := strings.TrimSpace(newCfg.General.StateDB)
	if oldStateDB != newStateDB {
		return fmt.Errorf("state_db changed (%q -> %q) and requires restart", oldStateDB, newStateDB)
	}

	oldBind := strings.TrimSpace(oldCfg.Metrics.Bind)
	newBind := strings.TrimSpace(newCfg.Metrics.Bind)
	if oldBind != newBind {
		return fmt.Errorf("metrics.bind changed (%q -> %q) and requires restart", oldBind, newBind)
	}

	if oldCfg.General.AuditDir != newCfg.General.AuditDir {
		return fmt.Errorf("audit_dir changed and requires restart")
	}
	return nil
}

func main() {
	configPath := flag.String("config", "aegis.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	target := flag.String("target", "", "submit one workflow for this target, wait for it and exit")
	intent := flag.String("intent", "", "free-text testing goal for -target mode")
	environment := flag.String("environment", workflow.EnvDevelopment, "target environment: development, staging or production")
	timeLimit := flag.Duration("time-limit", 0, "overall workflow deadline, e.g. 30m (0 means none)")
	exclude := flag.String("exclude", "", "comma-separated tool names to exclude")
	minTests := flag.Int("min-tests", 0, "minimum tests planned per phase")
	allowAuth := flag.Bool("allow-auth-testing", false, "permit tests against authenticated surfaces")
	autoApprove := flag.Bool("auto-approve", false, "approve every approval request (single-submission mode only)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	logger.Info("aegis starting", "config", *configPath)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfgManager := config.NewManager(cfg)

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	events := bus.New()

	fileLog, err := audit.NewFileLog(config.ExpandHome(cfg.General.AuditDir))
	if err != nil {
		logger.Error("failed to open audit log", "dir", cfg.General.AuditDir, "error", err)
		os.Exit(1)
	}
	defer fileLog.Close()
	recorders := audit.Multi{fileLog}

	var st *store.Store
	if cfg.General.StateDB != "" {
		st, err = store.Open(config.ExpandHome(cfg.General.StateDB))
		if err != nil {
			logger.Error("failed to open store", "path", cfg.General.StateDB, "error", err)
			os.Exit(1)
		}
		defer st.Close()
		recorders = append(recorders, st)
	}
	audit.Attach(events, recorders)

	m := metrics.New()
	m.Attach(events)

	cat, err := catalog.Load(config.ExpandHome(cfg.General.CatalogPath))
	if err != nil {
		logger.Error("failed to load tool catalogue", "path", cfg.General.CatalogPath, "error", err)
		os.Exit(1)
	}

	rt, err := engine.NewDockerRuntime(logger.With("component", "runtime"))
	if err != nil {
		logger.Error("failed to connect to container runtime", "error", err)
		os.Exit(1)
	}

	approvals := approval.NewManager(events, logger.With("component", "approval"),
		approval.WithDefaultTimeout(cfg.Approval.DefaultTimeout.Duration),
		approval.WithEscalation(cfg.Approval.EscalationChain, cfg.Approval.EscalationWindow.Duration),
	)

	eng := engine.New(cfg.Engine, cat, rt,
		engine.WithRestraint(restraint.NewEvaluator()),
		engine.WithApprovals(approvals),
		engine.WithEvents(events),
		engine.WithAudit(recorders),
		engine.WithLogger(logger.With("component", "engine")),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if n := eng.Sweep(ctx); n > 0 {
		logger.Info("removed stale containers from a previous run", "count", n)
	}

	var provider llm.Provider
	if cfg.Planner.Endpoint != "" {
		provider = llm.NewHTTPClient(cfg.Planner.Endpoint, cfg.Planner.Model, cfg.Planner.Timeout.Duration,
			llm.WithAPIKeyFromEnv(cfg.Planner.APIKeyEnv),
			llm.WithRetryConfig(plannerRetry(cfg.Planner)),
			llm.WithLogger(logger.With("component", "llm")),
		)
	} else {
		logger.Warn("planner endpoint not configured, using deterministic fallback strategies")
	}
	p := planner.New(provider, cat,
		planner.WithAudit(recorders),
		planner.WithLogger(logger.With("component", "planner")),
		planner.WithWordlistRoot(cfg.Engine.WordlistRoot),
	)

	orchOpts := []orchestrator.Option{
		orchestrator.WithAudit(recorders),
		orchestrator.WithLogger(logger.With("component", "orchestrator")),
	}
	if st != nil {
		orchOpts = append(orchOpts, orchestrator.WithPersister(st))
	}
	orch := orchestrator.New(cfg, cat, p, eng, approvals, events, orchOpts...)

	if *target != "" {
		constraints := workflow.Constraints{
			Environment:      *environment,
			TimeLimit:        *timeLimit,
			MinTestsPerPhase: *minTests,
			RequiresAuth:     *allowAuth,
		}
		for _, tool := range strings.Split(*exclude, ",") {
			if tool = strings.TrimSpace(tool); tool != "" {
				constraints.ExcludeTests = append(constraints.ExcludeTests, tool)
			}
		}
		os.Exit(runOnce(ctx, orch, events, logger, *target, *intent, constraints, *autoApprove))
	}

	serve(ctx, cancel, orch, m, cfgManager, *configPath, *dev, logger)
}

// plannerRetry maps planner.max_retries onto the LLM retry policy:
// one initial attempt plus the configured number of retries.
func plannerRetry(cfg config.Planner) llm.RetryConfig {
	retry := llm.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxRetries + 1
	return retry
}

// loadConfig falls back to defaults when the default config file is
// absent, so `aegis -target ...` works without any setup.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if path == "aegis.toml" && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

// runOnce submits a single workflow, waits for its terminal event and
// prints the final snapshot as JSON. SIGINT cancels the workflow.
func runOnce(ctx context.Context, orch *orchestrator.Orchestrator, events *bus.Bus, logger *slog.Logger, target, intent string, constraints workflow.Constraints, autoApprove bool) int {
	if strings.TrimSpace(intent) == "" {
		intent = "general security assessment"
	}

	done := make(chan bus.Event, 1)
	events.Subscribe(func(evt bus.Event) {
		select {
		case done <- evt:
		default:
		}
	}, bus.WorkflowCompleted, bus.WorkflowFailed, bus.WorkflowCancelled)

	if autoApprove {
		events.Subscribe(func(evt bus.Event) {
			id, _ := evt.Payload["approvalId"].(string)
			go func() {
				if _, err := orch.ProcessApproval(id, approval.Decision{
					Approved: true, Approver: "cli", Reason: "auto-approve flag",
				}); err != nil {
					logger.Warn("auto-approve failed", "approval", id, "error", err)
				}
			}()
		}, bus.ApprovalRequested)
	}

	id, err := orch.Submit(target, intent, constraints)
	if err != nil {
		logger.Error("submission rejected", "error", err)
		return 1
	}
	logger.Info("workflow submitted", "workflow", id, "target", target)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var terminal bus.Event
	for terminal.Type == "" {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, cancelling workflow", "signal", sig)
			if err := orch.Cancel(id); err != nil {
				logger.Error("cancel failed", "error", err)
				return 1
			}
		case terminal = <-done:
		}
	}

	snap, err := orch.Status(id)
	if err != nil {
		logger.Error("status lookup failed", "error", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		logger.Error("encoding snapshot failed", "error", err)
		return 1
	}

	if terminal.Type != bus.WorkflowCompleted {
		return 1
	}
	return 0
}

// waitForSignals blocks the serve loop handling SIGHUP reloads until an
// interrupt arrives.
func waitForSignals(cancel context.CancelFunc, orch *orchestrator.Orchestrator, cfgManager *config.RWMutexManager, configPath string, dev bool, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			updated, err := config.Load(configPath)
			if err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			if err := validateRuntimeConfigReload(cfgManager.Get(), updated); err != nil {
				logger.Error("config reload rejected", "error", err)
				continue
			}
			cfgManager.Set(updated)
			orch.SetConfig(updated)
			slog.SetDefault(configureLogger(updated.General.LogLevel, dev))
			logger.Info("config reloaded")
		default:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			logger.Info("aegis stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		}
	}
}
