package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 15, cfg.Quota.Tier1PerMinute)
	assert.Equal(t, 50, cfg.Quota.Tier2PerMinute)
	assert.Equal(t, 3, cfg.Remote.Retries)
	assert.Equal(t, 10, cfg.HistoryLimit)
	assert.Equal(t, filepath.Join(cfg.Root, "assets"), cfg.Blob.Root)
	assert.Zero(t, cfg.Watch.Interval)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lumi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
root: /data/mirror
port: "9090"
quota:
  tier1_per_minute: 10
watch:
  interval: 5m
blob:
  backend: s3
  bucket: assets
`), 0644))
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("LUMI_HISTORY_LIMIT=4\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("LUMI_HISTORY_LIMIT") })

	t.Setenv("LUMI_PORT", "7070")
	t.Setenv("LUMI_TIER2_PER_MINUTE", "20")
	t.Setenv("LUMI_LOG_PRETTY", "true")

	cfg, err := Load(path, envFile)
	require.NoError(t, err)
	assert.Equal(t, "/data/mirror", cfg.Root)
	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, 10, cfg.Quota.Tier1PerMinute)
	assert.Equal(t, 20, cfg.Quota.Tier2PerMinute)
	assert.Equal(t, 5*time.Minute, cfg.Watch.Interval)
	assert.Equal(t, 4, cfg.HistoryLimit)
	assert.Equal(t, "s3", cfg.Blob.Backend)
	assert.True(t, cfg.Log.Pretty)
	assert.Equal(t, "/data/mirror/api-quota.json", cfg.QuotaFile())
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("LUMI_RETRIES", "many")
	_, err := Load("", "")
	assert.ErrorContains(t, err, "LUMI_RETRIES")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no password", func(c *Config) { c.Password = "" }},
		{"zero tier", func(c *Config) { c.Quota.Tier1PerMinute = 0 }},
		{"zero history", func(c *Config) { c.HistoryLimit = 0 }},
		{"s3 without bucket", func(c *Config) { c.Blob.Backend = "s3" }},
		{"unknown backend", func(c *Config) { c.Blob.Backend = "ftp" }},
		{"negative watch", func(c *Config) { c.Watch.Interval = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}
