package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// UNIFIED CONFIG TESTS
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "codebridge", cfg.Name)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 10*time.Second, cfg.Telemetry.GetEndpointTimeout())
	assert.Equal(t, 30*time.Second, cfg.GetCallTimeout())
	require.NoError(t, cfg.Validate())
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("BRIDGE_TELEMETRY_ENDPOINT", "")
	t.Setenv("BRIDGE_DB", "")

	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Telemetry.Endpoint = "http://127.0.0.1:8085/manage/ApiInsert"
	cfg.Protocol.CallTimeout = "5s"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8085/manage/ApiInsert", loaded.Telemetry.Endpoint)
	assert.Equal(t, 5*time.Second, loaded.GetCallTimeout())
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Webview.ListenAddr, cfg.Webview.ListenAddr)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("telemetry: [unclosed"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BRIDGE_DB", "/tmp/override.sqlite")
	t.Setenv("BRIDGE_TELEMETRY_ENDPOINT", "http://collector/ingest")
	t.Setenv("BRIDGE_TELEMETRY_DISABLED", "true")
	t.Setenv("BRIDGE_USERNAME", "octocat")
	t.Setenv("BRIDGE_WEBVIEW_ADDR", "127.0.0.1:0")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "/tmp/override.sqlite", cfg.Telemetry.DatabasePath)
	assert.Equal(t, "http://collector/ingest", cfg.Telemetry.Endpoint)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "octocat", cfg.Telemetry.Username)
	assert.Equal(t, "127.0.0.1:0", cfg.Webview.ListenAddr)
}

func TestDurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Protocol.CallTimeout = "soon"
	cfg.Telemetry.EndpointTimeout = "-1s"
	cfg.Telemetry.RecordTimeout = ""

	assert.Equal(t, 30*time.Second, cfg.GetCallTimeout())
	assert.Equal(t, 10*time.Second, cfg.Telemetry.GetEndpointTimeout())
	assert.Equal(t, 15*time.Second, cfg.Telemetry.GetRecordTimeout())
}

func TestResolve(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Resolve("/work")
	assert.Equal(t, filepath.Join("/work", ".bridge", "dev_data", "devdata.sqlite"), cfg.Telemetry.DatabasePath)
	assert.Equal(t, filepath.Join("/work", ".bridge", "dev_data"), cfg.Telemetry.DevDataDir)

	cfg.Telemetry.DatabasePath = "/abs/db.sqlite"
	cfg.Resolve("/work")
	assert.Equal(t, "/abs/db.sqlite", cfg.Telemetry.DatabasePath)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"webview without addr", func(c *Config) { c.Webview.ListenAddr = "" }},
		{"telemetry without db", func(c *Config) { c.Telemetry.DatabasePath = "" }},
		{"telemetry without dev data dir", func(c *Config) { c.Telemetry.DevDataDir = "" }},
		{"metrics without addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddr = "" }},
		{"negative message size", func(c *Config) { c.Protocol.MaxMessageBytes = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoggingConfig_IsCategoryEnabled(t *testing.T) {
	lc := LoggingConfig{DebugMode: false}
	assert.False(t, lc.IsCategoryEnabled("protocol"))

	lc.DebugMode = true
	assert.True(t, lc.IsCategoryEnabled("protocol"))

	lc.Categories = map[string]bool{"protocol": false}
	assert.False(t, lc.IsCategoryEnabled("protocol"))
	assert.True(t, lc.IsCategoryEnabled("store"))

	lc.Format = "json"
	assert.True(t, lc.Options().JSONFormat)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { reloaded <- c })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	require.NoError(t, cfg.Save(path))

	select {
	case got := <-reloaded:
		assert.Equal(t, "debug", got.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("config watcher did not reload")
	}
	assert.GreaterOrEqual(t, w.Reloads(), 1)
}
