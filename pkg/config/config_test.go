package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polymicro/testlab/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Global.LogLevel)
	assert.Equal(t, "docker", cfg.Runtime.Engine)
	assert.Equal(t, 10*time.Minute, cfg.Runtime.ExecTimeout)
	assert.Equal(t, time.Minute, cfg.Runtime.CopyTimeout)
	assert.Equal(t, int64(4), cfg.Runtime.MaxConcurrentRuns)
	assert.Equal(t, "./test_results", cfg.Results.Dir)
	assert.Equal(t, "./service_tests", cfg.Results.TestsCacheDir)
	assert.Equal(t, "tests", cfg.Discovery.TestsDirPath)
	assert.Equal(t, 2*time.Minute, cfg.Discovery.CollectTimeout)
	assert.Equal(t, 100, cfg.Discovery.CatalogLimit)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, time.Second, cfg.Metrics.SampleInterval)

	require.NoError(t, cfg.Validate())
}

func TestLoad_FromFile(t *testing.T) {
	content := `
global:
  log_level: debug
runtime:
  engine: podman
  podman_socket: unix:///tmp/podman.sock
  exec_timeout: 30s
  max_concurrent_runs: 8
results:
  dir: ./results
discovery:
  collect_timeout: 45s
database:
  driver: postgres
  postgres:
    host: db.internal
    port: 5432
    user: testlab
    database: testlab
    ssl_mode: disable
`

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Global.LogLevel)
	assert.Equal(t, "podman", cfg.Runtime.Engine)
	assert.Equal(t, "unix:///tmp/podman.sock", cfg.Runtime.PodmanSocket)
	assert.Equal(t, 30*time.Second, cfg.Runtime.ExecTimeout)
	assert.Equal(t, int64(8), cfg.Runtime.MaxConcurrentRuns)
	assert.Equal(t, 45*time.Second, cfg.Discovery.CollectTimeout)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "db.internal", cfg.Database.Postgres.Host)

	// Unset fields still pick up defaults.
	assert.Equal(t, time.Minute, cfg.Runtime.CopyTimeout)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate_UnknownEngine(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Runtime.Engine = "lxc"

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown runtime engine")
}

func TestValidate_BadTimeouts(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Runtime.ExecTimeout = -time.Second
	require.Error(t, cfg.Validate())

	cfg.Runtime.ExecTimeout = time.Minute
	cfg.Runtime.MaxConcurrentRuns = 0
	require.Error(t, cfg.Validate())
}

func TestValidate_S3RequiresBucket(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Upload = &config.UploadConfig{
		S3: &config.S3UploadConfig{Enabled: true},
	}

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket")

	cfg.Upload.S3.Bucket = "results"
	require.NoError(t, cfg.Validate())
}
