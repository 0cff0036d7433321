package models

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Upload.MaxFiles)
	assert.Equal(t, int64(10<<20), cfg.Upload.MaxFileSize)
	assert.Equal(t, []int{320, 640, 1024, 2048}, cfg.Worker.Breakpoints)
	assert.Equal(t, 3, cfg.Worker.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Worker.BackoffBase)
	assert.Equal(t, time.Hour, cfg.SignedURL.Expiry())
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
env: production
upload:
  max_files: 4
worker:
  breakpoints: [1024, 320]
database:
  url: postgres://from-yaml
`), 0o600))
	t.Setenv("WORKER_CONCURRENCY", "9")
	t.Setenv("DB_URL", "postgres://from-env")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 4, cfg.Upload.MaxFiles)
	assert.Equal(t, 9, cfg.Worker.Concurrency)
	assert.Equal(t, []int{320, 1024}, cfg.Worker.Breakpoints)
	assert.Equal(t, "postgres://from-env", cfg.Database.URL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"max files", func(c *Config) { c.Upload.MaxFiles = 0 }},
		{"file size", func(c *Config) { c.Upload.MaxFileSize = -1 }},
		{"concurrency", func(c *Config) { c.Worker.Concurrency = 0 }},
		{"breakpoints empty", func(c *Config) { c.Worker.Breakpoints = nil }},
		{"breakpoint negative", func(c *Config) { c.Worker.Breakpoints = []int{320, -1} }},
		{"expiry", func(c *Config) { c.SignedURL.ExpirySeconds = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestListFilterNormalize(t *testing.T) {
	f := ListFilter{Page: -2, Limit: 500, SortBy: "size; DROP TABLE images", SortOrder: "asc"}
	f.Normalize()
	assert.Equal(t, 1, f.Page)
	assert.Equal(t, MaxPageLimit, f.Limit)
	assert.Equal(t, "uploaded_at", f.SortBy)
	assert.Equal(t, "ASC", f.SortOrder)

	f = ListFilter{Page: 3, Limit: 10, SortBy: "filename"}
	f.Normalize()
	assert.Equal(t, "original_filename", f.SortBy)
	assert.Equal(t, "DESC", f.SortOrder)
	assert.Equal(t, 20, f.Offset())
}

func TestStatusAndOutcomeKinds(t *testing.T) {
	assert.True(t, StatusProcessing.Valid())
	assert.False(t, ImageStatus("pending").Valid())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, OutcomeCompleted.Terminal())
	assert.False(t, OutcomeRetrying.Terminal())
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SplitTags(" a, b,,c ,"))
	assert.Nil(t, SplitTags(""))
	assert.Equal(t, "640", BreakpointKey(640))
	assert.Equal(t, filepath.Join("tmp", "abc.upload"), TempUploadPath("tmp", "abc"))

	var p ResponsivePaths
	assert.Empty(t, p.Key("320", "jpg"))
	p = ResponsivePaths{"320": {"jpg": "k"}}
	assert.Equal(t, "k", p.Key("320", "jpg"))
	assert.Empty(t, p.Key("640", "jpg"))

	assert.True(t, ImageUpdate{}.Empty())
	title := "x"
	assert.False(t, ImageUpdate{Title: &title}.Empty())
}
