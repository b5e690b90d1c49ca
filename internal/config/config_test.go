package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "memory", cfg.Persistence.Driver)
	assert.Equal(t, "default", cfg.RunnerService.TaskList)
	assert.Equal(t, 4, cfg.RunnerService.Concurrency)
	assert.Equal(t, "java", cfg.AgentPoller.JavaCmd)
}

func TestLoadWithNoPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Persistence.Driver, cfg.Persistence.Driver)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
persistence:
  driver: sqlite
  path: /tmp/agentflow.db
runner_service:
  task_list: high-priority
  concurrency: 2
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Persistence.Driver)
	assert.Equal(t, "/tmp/agentflow.db", cfg.Persistence.Path)
	assert.Equal(t, "high-priority", cfg.RunnerService.TaskList)
	assert.Equal(t, 2, cfg.RunnerService.Concurrency)
	// Unset fields in the override file must keep their defaults.
	assert.Equal(t, 8, cfg.AgentPoller.Concurrency)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyEnvOverridesPersistenceAndConcurrency(t *testing.T) {
	t.Setenv("AFL_DB_PATH", "/data/agentflow.db")
	t.Setenv("AFL_TASK_LIST", "env-list")
	t.Setenv("AFL_CONCURRENCY", "16")
	t.Setenv("AFL_JAVA_CMD", "/usr/bin/java17")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Persistence.Driver)
	assert.Equal(t, "/data/agentflow.db", cfg.Persistence.Path)
	assert.Equal(t, "env-list", cfg.RunnerService.TaskList)
	assert.Equal(t, "env-list", cfg.AgentPoller.TaskList)
	assert.Equal(t, 16, cfg.AgentPoller.Concurrency)
	assert.Equal(t, "/usr/bin/java17", cfg.AgentPoller.JavaCmd)
}

func TestApplyEnvIgnoresInvalidConcurrency(t *testing.T) {
	t.Setenv("AFL_CONCURRENCY", "not-a-number")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().AgentPoller.Concurrency, cfg.AgentPoller.Concurrency)
}

func TestHeartbeatIntervalDefault(t *testing.T) {
	assert.Equal(t, 10*time.Second, Default().Server.HeartbeatInterval)
}
