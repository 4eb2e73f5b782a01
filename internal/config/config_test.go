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
	cfg := DefaultConfig()

	assert.Equal(t, 50, cfg.Crawl.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Crawl.ProbeTimeout.Duration())
	assert.Equal(t, uint16(18080), cfg.Crawl.DefaultPort)
	assert.Equal(t, 50, cfg.Database.FlushThreshold)
	assert.Equal(t, 20.0, cfg.Detection.ThresholdPercent)
	assert.Equal(t, 5, cfg.Detection.MinGroupSize)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sybilscan.yaml")
	content := `
database:
  path: /tmp/test-nodes.db
crawl:
  concurrency: 10
  probe_timeout: 500ms
  duration: 5s
  targets_file: /tmp/targets.txt
detection:
  threshold_percent: 15
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, loadedPath, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, path, loadedPath)

	assert.Equal(t, "/tmp/test-nodes.db", cfg.Database.Path)
	assert.Equal(t, 10, cfg.Crawl.Concurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.Crawl.ProbeTimeout.Duration())
	assert.Equal(t, 5*time.Second, cfg.Crawl.Duration.Duration())
	assert.Equal(t, 15.0, cfg.Detection.ThresholdPercent)

	// Omitted values are filled from defaults
	assert.Equal(t, 50, cfg.Database.FlushThreshold)
	assert.Equal(t, 5, cfg.Detection.MinGroupSize)
	assert.Equal(t, "http://ip-api.com", cfg.Enrich.APIURL)
}

func TestLoadFromPathInvalidDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("crawl:\n  probe_timeout: soon\n"), 0644))

	_, _, err := LoadFromPath(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, path, err := Load()
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"zero concurrency", func(c *Config) { c.Crawl.Concurrency = -1 }, "crawl.concurrency"},
		{"empty db path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"zero flush threshold", func(c *Config) { c.Database.FlushThreshold = 0 }, "flush_threshold"},
		{"threshold above 100", func(c *Config) { c.Detection.ThresholdPercent = 150 }, "threshold_percent"},
		{"negative min group", func(c *Config) { c.Detection.MinGroupSize = -1 }, "min_group_size"},
		{"empty api url", func(c *Config) { c.Enrich.APIURL = "" }, "api_url"},
		{"zero probe timeout", func(c *Config) { c.Crawl.ProbeTimeout = 0 }, "probe_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")

	cfg := DefaultConfig()
	cfg.Crawl.Concurrency = 7
	cfg.Crawl.ProbeTimeout = Duration(1500 * time.Millisecond)
	require.NoError(t, cfg.Save(path))

	loaded, _, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Crawl.Concurrency)
	assert.Equal(t, 1500*time.Millisecond, loaded.Crawl.ProbeTimeout.Duration())
}
