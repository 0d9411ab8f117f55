// Command taskfleet runs the orchestrator: one-shot parallel runs from the
// command line, or the healing daemon with a prometheus endpoint.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/taskfleet/taskfleet/circuitbreaker"
	"github.com/taskfleet/taskfleet/config"
	"github.com/taskfleet/taskfleet/executor"
	"github.com/taskfleet/taskfleet/healer"
	"github.com/taskfleet/taskfleet/internal/metrics"
	"github.com/taskfleet/taskfleet/observability"
	"github.com/taskfleet/taskfleet/recovery"
	"github.com/taskfleet/taskfleet/state"
	"github.com/taskfleet/taskfleet/types"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		adapter    = flag.String("adapter", "shell", "adapter to dispatch through")
		taskType   = flag.String("task-type", "shell.command", "task type")
		command    = flag.String("command", "", "shell command for the built-in adapter")
		targetList = flag.String("targets", "", "comma-separated target paths; empty runs the healing daemon")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *adapter, *taskType, *command, *targetList); err != nil {
		logger.Error("taskfleet failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger, adapterName, taskType, command, targetList string) error {
	observer := buildObserver(cfg, logger)

	backend, err := buildBackend(cfg.Store, logger)
	if err != nil {
		return err
	}
	store := state.NewStore(backend, logger)
	defer store.Close() //nolint:errcheck

	breakers := circuitbreaker.NewRegistry(cfg.Breaker, breakerEvents{observer}, logger)
	policies := recovery.DefaultPolicies()

	adapters := executor.NewRegistry()
	if err := adapters.Register("shell", &shellAdapter{}); err != nil {
		return err
	}

	exec := executor.New(cfg.Executor, adapters, breakers, policies, store, observer, logger)

	if targetList != "" {
		return runOnce(ctx, exec, adapterName, taskType, command, targetList, logger)
	}
	return runDaemon(ctx, cfg, store, exec, breakers, policies, observer, logger)
}

// runOnce dispatches a single parallel run and prints the aggregate result.
func runOnce(ctx context.Context, exec *executor.Executor, adapterName, taskType, command, targetList string, logger *zap.Logger) error {
	task := &types.Task{
		Type: taskType,
		Params: map[string]any{
			"adapter": adapterName,
			"command": command,
		},
	}

	targets := strings.Split(targetList, ",")
	aggregate, err := exec.ExecuteParallel(ctx, task, adapterName, targets, func(completed, total int, target string) {
		logger.Info("progress",
			zap.Int("completed", completed),
			zap.Int("total", total),
			zap.String("target", target))
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(aggregate, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// runDaemon serves metrics and runs the healer on a fixed interval until
// the context is cancelled.
func runDaemon(ctx context.Context, cfg config.Config, store *state.Store, exec *executor.Executor, breakers *circuitbreaker.Registry, policies recovery.Policies, observer *observability.Observer, logger *zap.Logger) error {
	h := healer.New(cfg.Healer.Config, store, exec, breakers, policies, observer, logger)

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", zap.String("addr", cfg.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("healing daemon started", zap.Duration("interval", cfg.Healer.Interval))
	ticker := time.NewTicker(cfg.Healer.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			if metricsServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = metricsServer.Shutdown(shutdownCtx)
			}
			return nil
		case <-ticker.C:
			if err := h.MonitorAndHeal(ctx); err != nil {
				logger.Warn("healing pass failed", zap.Error(err))
			}
		}
	}
}

func buildObserver(cfg config.Config, logger *zap.Logger) *observability.Observer {
	if !cfg.Metrics.Enabled {
		return observability.New(logger, nil)
	}
	collector := metrics.NewCollector(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)
	return observability.New(logger, collector)
}

// buildBackend constructs the configured backend. Remote backends are
// wrapped in the in-memory fallback so a store outage never fails a run.
func buildBackend(cfg state.Config, logger *zap.Logger) (state.Backend, error) {
	switch cfg.Type {
	case state.BackendRedis:
		primary, err := state.NewRedisBackend(cfg.Redis)
		if err != nil {
			logger.Warn("redis backend unavailable, starting on in-memory store", zap.Error(err))
			return state.NewMemoryBackend(), nil
		}
		return state.NewFallbackStore(primary, logger), nil
	case state.BackendSQLite:
		primary, err := state.NewSQLiteBackend(cfg.SQLite)
		if err != nil {
			return nil, err
		}
		return state.NewFallbackStore(primary, logger), nil
	default:
		return state.NewMemoryBackend(), nil
	}
}

// breakerEvents forwards breaker transitions into the metrics collector.
type breakerEvents struct {
	observer *observability.Observer
}

func (e breakerEvents) OnStateChange(event circuitbreaker.Event) {
	e.observer.BreakerTransition(event.Name, event.NewState.String())
}

func buildLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
