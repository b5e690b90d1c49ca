// Package config loads the YAML-driven configuration shared by the Runner
// Service and Agent Poller daemons (SPEC_FULL.md §2/§6): persistence
// connection, poll/heartbeat cadence, worker concurrency, and the
// artifact-handling settings the Agent Poller's subprocess execution path
// needs. Grounded on the host's daemon config loaders, using
// gopkg.in/yaml.v3 for parsing and environment overrides for deployment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Persistence selects and configures the storage backend.
type Persistence struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver"`
	// Path is the SQLite database file path (ignored for memory).
	Path string `yaml:"path"`
	// WAL enables SQLite's write-ahead log.
	WAL bool `yaml:"wal"`
}

// Server is shared by both daemon kinds: identity and heartbeat cadence.
type Server struct {
	ServiceName      string        `yaml:"service_name"`
	ServerGroup      string        `yaml:"server_group"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// RunnerService configures the Evaluator-driving daemon.
type RunnerService struct {
	TaskList     string        `yaml:"task_list"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Concurrency  int           `yaml:"concurrency"`
}

// AgentPoller configures the domain facet dispatcher daemon.
type AgentPoller struct {
	TaskList            string        `yaml:"task_list"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	Concurrency         int           `yaml:"concurrency"`
	HandlerCacheDir     string        `yaml:"handler_cache_dir"`
	ArtifactRepositoryURL string      `yaml:"artifact_repository_url"`
	JavaCmd             string        `yaml:"java_cmd"`
	HandlerTimeout      time.Duration `yaml:"handler_timeout"`
}

// Observability configures OpenTelemetry tracing and the Prometheus
// metrics endpoint both daemons expose (SPEC_FULL.md §4.9).
type Observability struct {
	Enabled        bool   `yaml:"enabled"`
	ServiceVersion string `yaml:"service_version"`
	MetricsAddr    string `yaml:"metrics_addr"`
}

// Config is the full daemon configuration tree.
type Config struct {
	Persistence   Persistence   `yaml:"persistence"`
	Server        Server        `yaml:"server"`
	RunnerService RunnerService `yaml:"runner_service"`
	AgentPoller   AgentPoller   `yaml:"agent_poller"`
	Observability Observability `yaml:"observability"`
}

// Default returns a Config with sensible defaults for local development.
func Default() *Config {
	return &Config{
		Persistence: Persistence{Driver: "memory"},
		Server: Server{
			ServiceName:       "agentflow",
			ServerGroup:       "default",
			HeartbeatInterval: 10 * time.Second,
		},
		RunnerService: RunnerService{
			TaskList:     "default",
			PollInterval: 500 * time.Millisecond,
			Concurrency:  4,
		},
		AgentPoller: AgentPoller{
			TaskList:              "default",
			PollInterval:          500 * time.Millisecond,
			Concurrency:           8,
			HandlerCacheDir:       "/var/cache/agentflow/handlers",
			ArtifactRepositoryURL: "https://repo1.maven.org/maven2",
			JavaCmd:               "java",
			HandlerTimeout:        5 * time.Minute,
		},
		Observability: Observability{
			Enabled:        false,
			ServiceVersion: "0.1.0",
			MetricsAddr:    ":9464",
		},
	}
}

// Load reads path as YAML into a Default()-seeded Config, then applies
// environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays deployment-time environment variables, per
// SPEC_FULL.md §6's env var table.
func (c *Config) applyEnv() {
	if v := os.Getenv("AFL_DB_PATH"); v != "" {
		c.Persistence.Driver = "sqlite"
		c.Persistence.Path = v
	}
	if v := os.Getenv("AFL_DB_URL"); v != "" {
		c.Persistence.Driver = "sqlite"
		c.Persistence.Path = v
	}
	if v := os.Getenv("AFL_HANDLER_CACHE_DIR"); v != "" {
		c.AgentPoller.HandlerCacheDir = v
	}
	if v := os.Getenv("AFL_ARTIFACT_REPOSITORY_URL"); v != "" {
		c.AgentPoller.ArtifactRepositoryURL = v
	}
	if v := os.Getenv("AFL_JAVA_CMD"); v != "" {
		c.AgentPoller.JavaCmd = v
	}
	if v := os.Getenv("AFL_TASK_LIST"); v != "" {
		c.RunnerService.TaskList = v
		c.AgentPoller.TaskList = v
	}
	if v := os.Getenv("AFL_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.AgentPoller.Concurrency = n
		}
	}
	if v := os.Getenv("AFL_OBSERVABILITY_ENABLED"); v != "" {
		c.Observability.Enabled = v == "1" || v == "true"
	}
	if v := os.Getenv("AFL_METRICS_ADDR"); v != "" {
		c.Observability.MetricsAddr = v
	}
}
