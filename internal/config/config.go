package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all codebridge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Cross-process protocol
	Protocol ProtocolConfig `yaml:"protocol"`

	// Webview websocket endpoint
	Webview WebviewConfig `yaml:"webview"`

	// Usage telemetry sinks
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Metrics endpoint
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ProtocolConfig configures the message router.
type ProtocolConfig struct {
	// Default budget for a correlated call when the caller does not set one.
	CallTimeout string `yaml:"call_timeout"`

	// Largest single envelope accepted from a stream transport.
	MaxMessageBytes int `yaml:"max_message_bytes"`
}

// WebviewConfig configures the websocket listener used by webview clients.
type WebviewConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ListenAddr     string `yaml:"listen_addr"`
	Path           string `yaml:"path"`
	MaxConnections int    `yaml:"max_connections"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "codebridge",
		Version: "0.2.0",

		Protocol: ProtocolConfig{
			CallTimeout:     "30s",
			MaxMessageBytes: 16 * 1024 * 1024,
		},

		Webview: WebviewConfig{
			Enabled:        true,
			ListenAddr:     "127.0.0.1:7821",
			Path:           "/webview",
			MaxConnections: 8,
		},

		Telemetry: TelemetryConfig{
			Enabled:         true,
			DatabasePath:    ".bridge/dev_data/devdata.sqlite",
			DevDataDir:      ".bridge/dev_data",
			DataVersion:     "0.2.0",
			Endpoint:        "",
			EndpointTimeout: "10s",
			RecordTimeout:   "15s",
		},

		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},

		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			DebugMode: false,
		},
	}
}

// DefaultPath returns the config path for a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, ".bridge", "config.yaml")
}

// Load loads configuration from a YAML file.
// A missing file yields the defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("BRIDGE_DB"); path != "" {
		c.Telemetry.DatabasePath = path
	}
	if url := os.Getenv("BRIDGE_TELEMETRY_ENDPOINT"); url != "" {
		c.Telemetry.Endpoint = url
	}
	if v := os.Getenv("BRIDGE_TELEMETRY_DISABLED"); v != "" {
		if disabled, err := strconv.ParseBool(v); err == nil {
			c.Telemetry.Enabled = !disabled
		}
	}
	if name := os.Getenv("BRIDGE_USERNAME"); name != "" {
		c.Telemetry.Username = name
	}
	if addr := os.Getenv("BRIDGE_WEBVIEW_ADDR"); addr != "" {
		c.Webview.ListenAddr = addr
	}
}

// Resolve makes workspace-relative paths absolute.
func (c *Config) Resolve(workspace string) {
	if c.Telemetry.DatabasePath != "" && !filepath.IsAbs(c.Telemetry.DatabasePath) {
		c.Telemetry.DatabasePath = filepath.Join(workspace, c.Telemetry.DatabasePath)
	}
	if c.Telemetry.DevDataDir != "" && !filepath.IsAbs(c.Telemetry.DevDataDir) {
		c.Telemetry.DevDataDir = filepath.Join(workspace, c.Telemetry.DevDataDir)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Protocol.MaxMessageBytes < 0 {
		return fmt.Errorf("protocol.max_message_bytes must be >= 0")
	}
	if c.Webview.Enabled && c.Webview.ListenAddr == "" {
		return fmt.Errorf("webview.listen_addr is required when the webview is enabled")
	}
	if c.Webview.MaxConnections < 0 {
		return fmt.Errorf("webview.max_connections must be >= 0")
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.DatabasePath == "" {
			return fmt.Errorf("telemetry.database_path is required when telemetry is enabled")
		}
		if c.Telemetry.DevDataDir == "" {
			return fmt.Errorf("telemetry.dev_data_dir is required when telemetry is enabled")
		}
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}
	return nil
}

// GetCallTimeout returns the default protocol call timeout as a duration.
func (c *Config) GetCallTimeout() time.Duration {
	return parseDuration(c.Protocol.CallTimeout, 30*time.Second)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
