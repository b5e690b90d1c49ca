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

// Command runner-service drives workflow evaluation: it claims
// afl:execute/afl:resume control tasks and advances their runners to
// completion or a blocking point.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rlemke/agentflow/internal/config"
	"github.com/rlemke/agentflow/internal/log"
	"github.com/rlemke/agentflow/internal/persistence"
	"github.com/rlemke/agentflow/internal/persistence/memory"
	"github.com/rlemke/agentflow/internal/persistence/sqlite"
	"github.com/rlemke/agentflow/internal/runnerservice"
	"github.com/rlemke/agentflow/internal/telemetry"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to YAML config file")
		taskList     = flag.String("task-list", "", "Task list to poll (overrides config)")
		pollInterval = flag.Duration("poll-interval", 0, "Poll interval (overrides config)")
		concurrency  = flag.Int("concurrency", 0, "Max concurrent workflow drives (overrides config)")
		backend      = flag.String("backend", "", "Storage backend: memory or sqlite (overrides config)")
		dbPath       = flag.String("db-path", "", "SQLite database path (overrides config)")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("runner-service %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", log.Error(err))
		os.Exit(1)
	}
	if *backend != "" {
		cfg.Persistence.Driver = *backend
	}
	if *dbPath != "" {
		cfg.Persistence.Driver = "sqlite"
		cfg.Persistence.Path = *dbPath
	}
	if *taskList != "" {
		cfg.RunnerService.TaskList = *taskList
	}
	if *pollInterval > 0 {
		cfg.RunnerService.PollInterval = *pollInterval
	}
	if *concurrency > 0 {
		cfg.RunnerService.Concurrency = *concurrency
	}

	port, err := openPort(cfg.Persistence)
	if err != nil {
		logger.Error("failed to open persistence backend", log.Error(err))
		os.Exit(1)
	}
	defer port.Close()

	svc := runnerservice.New(port, runnerservice.Config{
		ServiceName:       cfg.Server.ServiceName,
		ServerGroup:       cfg.Server.ServerGroup,
		TaskList:          cfg.RunnerService.TaskList,
		PollInterval:      cfg.RunnerService.PollInterval,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		Concurrency:       cfg.RunnerService.Concurrency,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Observability.Enabled {
		provider, err := telemetry.New(ctx, telemetry.Config{
			ServiceName:    cfg.Server.ServiceName,
			ServiceVersion: cfg.Observability.ServiceVersion,
			Exporter:       telemetry.ExporterStdout,
		})
		if err != nil {
			logger.Error("failed to start telemetry", log.Error(err))
			os.Exit(1)
		}
		defer provider.Shutdown(context.Background())
		svc.SetTelemetry(provider)
		go serveMetrics(ctx, cfg.Observability.MetricsAddr, provider, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
		time.Sleep(100 * time.Millisecond)
	case err := <-errCh:
		if err != nil {
			logger.Error("runner service stopped with error", log.Error(err))
			os.Exit(1)
		}
	}
}

func openPort(cfg config.Persistence) (persistence.Port, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(sqlite.Config{Path: cfg.Path, WAL: cfg.WAL})
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Driver)
	}
}

// serveMetrics runs a Prometheus scrape endpoint until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, provider *telemetry.Provider, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", provider.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server stopped", log.Error(err))
	}
}
