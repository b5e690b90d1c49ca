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

// Command agent runs the Agent Poller daemon: it claims domain facet
// tasks and dispatches them to registered handlers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rlemke/agentflow/internal/agentpoller"
	"github.com/rlemke/agentflow/internal/config"
	"github.com/rlemke/agentflow/internal/log"
	"github.com/rlemke/agentflow/internal/persistence"
	"github.com/rlemke/agentflow/internal/persistence/memory"
	"github.com/rlemke/agentflow/internal/persistence/sqlite"
	"github.com/rlemke/agentflow/internal/registry"
	"github.com/rlemke/agentflow/internal/telemetry"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath      = flag.String("config", "", "Path to YAML config file")
		taskList        = flag.String("task-list", "", "Task list to poll (overrides config)")
		facets          = flag.String("facets", "", "Comma-separated list of facets; the value is only logged and does not restrict or pre-warm the served facets")
		topics          = flag.String("topics", "", "Comma-separated glob patterns restricting which handler registrations this process serves")
		maxConcurrent   = flag.Int("max-concurrent", 0, "Max concurrent handler dispatches (overrides config)")
		pollInterval    = flag.Duration("poll-interval", 0, "Poll interval (overrides config)")
		refreshInterval = flag.Duration("registry-refresh-interval", 30*time.Second, "How often to reload handler registrations")
		backend         = flag.String("backend", "", "Storage backend: memory or sqlite (overrides config)")
		dbPath          = flag.String("db-path", "", "SQLite database path (overrides config)")
		showVersion     = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("agent %s (commit: %s, built: %s)\n", version, commit, buildDate)
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
		cfg.AgentPoller.TaskList = *taskList
	}
	if *maxConcurrent > 0 {
		cfg.AgentPoller.Concurrency = *maxConcurrent
	}
	if *pollInterval > 0 {
		cfg.AgentPoller.PollInterval = *pollInterval
	}

	port, err := openPort(cfg.Persistence)
	if err != nil {
		logger.Error("failed to open persistence backend", log.Error(err))
		os.Exit(1)
	}
	defer port.Close()

	reg := registry.New(port)
	inproc := registry.NewInProcessDispatch()
	registerBuiltinHandlers(inproc)

	if *facets != "" {
		logger.Info("facets flag set (logged only; served facets are not restricted)", slog.String("facets", *facets))
	}
	var topicPatterns []string
	if *topics != "" {
		topicPatterns = splitAndTrim(*topics)
		logger.Info("restricting served topics", slog.String("topics", *topics))
	}

	poller := agentpoller.New(port, reg, inproc, agentpoller.Config{
		ServiceName:             cfg.Server.ServiceName,
		ServerGroup:             cfg.Server.ServerGroup,
		TaskList:                cfg.AgentPoller.TaskList,
		PollInterval:            cfg.AgentPoller.PollInterval,
		HeartbeatInterval:       cfg.Server.HeartbeatInterval,
		RegistryRefreshInterval: *refreshInterval,
		Concurrency:             cfg.AgentPoller.Concurrency,
		DefaultTimeout:          cfg.AgentPoller.HandlerTimeout,
		HandlerCacheDir:         cfg.AgentPoller.HandlerCacheDir,
		ArtifactRepositoryURL:   cfg.AgentPoller.ArtifactRepositoryURL,
		JavaCmd:                 cfg.AgentPoller.JavaCmd,
		Topics:                  topicPatterns,
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
		poller.SetTelemetry(provider)
		go serveMetrics(ctx, cfg.Observability.MetricsAddr, provider, logger)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- poller.Run(ctx) }()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
		time.Sleep(100 * time.Millisecond)
	case err := <-errCh:
		if err != nil {
			logger.Error("agent poller stopped with error", log.Error(err))
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

// splitAndTrim splits a comma-separated flag value into its trimmed,
// non-empty parts.
func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// registerBuiltinHandlers binds the facets this process can serve without
// an external artifact. None are built in; in-process handlers are added
// by calling InProcessDispatch.Register in this function, before the
// poller runs.
func registerBuiltinHandlers(inproc *registry.InProcessDispatch) {
	_ = inproc
}
