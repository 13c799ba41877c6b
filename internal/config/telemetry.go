package config

import "time"

// TelemetryConfig configures the usage recorder and its sinks.
type TelemetryConfig struct {
	// Master toggle. When false the recorder is never constructed.
	Enabled bool `yaml:"enabled"`

	// SQLite file holding tokens_generated and feature_usage.
	DatabasePath string `yaml:"database_path"`

	// Root directory for JSON-lines dev data logs; files live under <dir>/<data_version>/.
	DevDataDir  string `yaml:"dev_data_dir"`
	DataVersion string `yaml:"data_version"`

	// Remote aggregation endpoint for feature usage. Empty disables the uplink.
	Endpoint        string `yaml:"endpoint"`
	EndpointTimeout string `yaml:"endpoint_timeout"`

	// Upper bound for one record call across all sinks.
	RecordTimeout string `yaml:"record_timeout"`

	// Username attributed to webview-originated feature events.
	// Empty falls back to git config, then the OS user.
	Username string `yaml:"username"`
}

// GetEndpointTimeout returns the uplink timeout as a duration.
func (t TelemetryConfig) GetEndpointTimeout() time.Duration {
	return parseDuration(t.EndpointTimeout, 10*time.Second)
}

// GetRecordTimeout returns the per-record budget as a duration.
func (t TelemetryConfig) GetRecordTimeout() time.Duration {
	return parseDuration(t.RecordTimeout, 15*time.Second)
}
