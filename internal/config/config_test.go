package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Blobs.Backend)
	assert.Equal(t, 5, cfg.Batch.SubmitRetries)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.Tick)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.LeaseTTL)
	assert.Equal(t, "localhost:8080", cfg.Server.Addr())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.NotEmpty(t, cfg.Store.Path)
	assert.NotEmpty(t, cfg.Author)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "htgrid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
author: chemlab
store:
  path: /var/lib/htgrid/db.sqlite
batch:
  partition: gpu
  scratch: /scratch/htgrid
scheduler:
  tick: 12s
  rate: 2.5
logging:
  level: debug
  format: console
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "chemlab", cfg.Author)
	assert.Equal(t, "/var/lib/htgrid/db.sqlite", cfg.Store.Path)
	assert.Equal(t, "gpu", cfg.Batch.Partition)
	assert.Equal(t, 12*time.Second, cfg.Scheduler.Tick)
	assert.Equal(t, 2.5, cfg.Scheduler.Rate)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched keys keep their defaults.
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HTGRID_SERVER_PORT", "3000")
	t.Setenv("HTGRID_LOGGING_LEVEL", "warn")
	t.Setenv("HTGRID_BATCH_PARTITION", "debug-queue")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "debug-queue", cfg.Batch.Partition)
}

func TestValidateRejectsBadValues(t *testing.T) {
	dir := t.TempDir()

	write := func(body string) string {
		path := filepath.Join(dir, "htgrid.yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		return path
	}

	_, err := Load(write("blobs:\n  backend: tape\n"))
	assert.ErrorContains(t, err, "blobs.backend")

	_, err = Load(write("blobs:\n  backend: s3\n"))
	assert.ErrorContains(t, err, "blobs.bucket")

	_, err = Load(write("logging:\n  format: xml\n"))
	assert.ErrorContains(t, err, "logging.format")

	_, err = Load(write("scheduler:\n  tick: 0s\n"))
	assert.ErrorContains(t, err, "tick")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
