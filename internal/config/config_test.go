package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hlameta/hlameta/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, BackendSQLite, cfg.Tables.Backend)
	assert.Equal(t, 32000, cfg.Tables.MaxColumnSize)
	assert.Equal(t, 1000, cfg.Tables.PageSize)
	assert.False(t, cfg.Tables.StrictDecode)
	assert.Equal(t, 24*time.Hour, cfg.Tables.OrphanGrace)
	assert.Equal(t, 256, cfg.Pointers.ResolutionCacheSize)
	assert.Equal(t, 5*time.Minute, cfg.Cache.LoadTimeout)
	assert.Equal(t, "jsonl", cfg.Source.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("HLAMETA_SERVER_PORT", "9000")
	t.Setenv("HLAMETA_TABLES_BACKEND", "pebble")
	t.Setenv("HLAMETA_TABLES_BATCH_TIMEOUT", "45s")
	t.Setenv("HLAMETA_TABLES_STRICT_DECODE", "true")
	t.Setenv("HLAMETA_POINTERS_BACKEND", "redis")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, BackendPebble, cfg.Tables.Backend)
	assert.Equal(t, 45*time.Second, cfg.Tables.BatchTimeout)
	assert.True(t, cfg.Tables.StrictDecode)
	assert.Equal(t, BackendRedis, cfg.Pointers.Backend)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hlameta.yaml")
	content := `
tables:
  backend: postgres
  write_parallelism: 3
  page_size: 250
pointers:
  backend: postgres
database:
  host: db.internal
cache:
  load_timeout: 90s
  warm_up:
    - HlaScoringLookup@3.55.0
    - HlaMatchingLookup@3.55.0
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.Tables.Backend)
	assert.Equal(t, 3, cfg.Tables.WriteParallelism)
	assert.Equal(t, 250, cfg.Tables.PageSize)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 90*time.Second, cfg.Cache.LoadTimeout)
	assert.Equal(t, "console", cfg.Logging.Format)

	targets, err := cfg.Cache.WarmUpTargets()
	require.NoError(t, err)
	assert.Equal(t, []model.DatasetVersion{
		{Dataset: "HlaScoringLookup", Version: "3.55.0"},
		{Dataset: "HlaMatchingLookup", Version: "3.55.0"},
	}, targets)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, true},
		{"unknown table backend", func(c *Config) { c.Tables.Backend = "dynamo" }, true},
		{"redis cannot hold tables", func(c *Config) { c.Tables.Backend = BackendRedis }, true},
		{"memory tables need memory pointers", func(c *Config) { c.Tables.Backend = BackendMemory }, true},
		{"memory pair", func(c *Config) {
			c.Tables.Backend = BackendMemory
			c.Pointers.Backend = BackendMemory
		}, false},
		{"zero page size", func(c *Config) { c.Tables.PageSize = 0 }, true},
		{"negative retries", func(c *Config) { c.Tables.MaxRetries = -1 }, true},
		{"bad warm-up", func(c *Config) { c.Cache.WarmUp = []string{"HlaScoringLookup"} }, true},
		{"bad source format", func(c *Config) { c.Source.Format = "csv" }, true},
		{"metrics port ignored when disabled", func(c *Config) {
			c.Metrics.Enabled = false
			c.Metrics.Port = 0
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
