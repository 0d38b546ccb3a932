// Package am manages importpipe configuration ("I am").
//
// Configuration is merged from, in precedence order (lowest to highest):
// built-in defaults, ~/.importpipe/am.toml, a project-local am.toml found
// by walking up from the working directory, then IMPORTPIPE_* environment
// variables.
package am

// Config represents the importpipe configuration
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Poll     PollConfig     `mapstructure:"poll"`
	Database DatabaseConfig `mapstructure:"database"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Watch    WatchConfig    `mapstructure:"watch"`
}

// APIConfig configures the backend job API client
type APIConfig struct {
	BaseURL        string `mapstructure:"base_url"`        // e.g., "https://lms.example.com/api/v1/admin"
	Token          string `mapstructure:"token"`           // Bearer token (env: IMPORTPIPE_API_TOKEN)
	TimeoutSeconds int    `mapstructure:"timeout_seconds"` // Per-request timeout (default: 30)
}

// UploadConfig configures the direct-to-storage upload transport
type UploadConfig struct {
	// LargeFileThresholdBytes separates large archives from small ones.
	// Large uploads that fail at the storage step are never retried
	// through the buffered legacy path (a proxy timeout there is a worse
	// failure than the original one).
	LargeFileThresholdBytes int64 `mapstructure:"large_file_threshold_bytes"` // default: 50 MiB

	// TimeoutSeconds bounds a single PUT to storage. Zero means no
	// client-side timeout (large archives on slow links).
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// PollConfig configures the adaptive status poller
type PollConfig struct {
	BaseIntervalMS       int     `mapstructure:"base_interval_ms"`        // First and reset delay (default: 1000)
	GrowthFactor         float64 `mapstructure:"growth_factor"`           // Geometric backoff factor (default: 1.15)
	MaxIntervalMS        int     `mapstructure:"max_interval_ms"`         // Backoff cap (default: 7000)
	MaxRequestsPerMinute int     `mapstructure:"max_requests_per_minute"` // Hard rate cap across all pollers (default: 120)
}

// DatabaseConfig configures the local SQLite database used by the resume store
type DatabaseConfig struct {
	Path string `mapstructure:"path"` // default: ~/.importpipe/importpipe.db
}

// NotifyConfig configures the optional websocket notification endpoint
type NotifyConfig struct {
	// ListenAddr serves notification-bus events as JSON frames for an
	// external console UI. Empty disables the endpoint.
	ListenAddr string `mapstructure:"listen_addr"`
}

// WatchConfig configures directory watching for auto-import
type WatchConfig struct {
	// SettleMS is how long a new .zip must be stable (no further writes)
	// before it is submitted, so half-copied archives are not imported.
	SettleMS int `mapstructure:"settle_ms"` // default: 2000
}
