package am

import (
	"github.com/spf13/viper"
)

// DefaultFilePermissions is used for config files written by importpipe
const DefaultFilePermissions = 0644

// DefaultLargeFileThreshold is the size above which a failed storage
// upload is surfaced immediately instead of falling back to the buffered
// legacy import path.
const DefaultLargeFileThreshold = int64(50 * 1024 * 1024)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// API defaults
	v.SetDefault("api.base_url", "http://localhost:8000/api/v1/admin")
	v.SetDefault("api.timeout_seconds", 30)

	// Upload defaults
	v.SetDefault("upload.large_file_threshold_bytes", DefaultLargeFileThreshold)
	v.SetDefault("upload.timeout_seconds", 0) // no timeout; large archives on slow links

	// Poll defaults
	v.SetDefault("poll.base_interval_ms", 1000)
	v.SetDefault("poll.growth_factor", 1.15)
	v.SetDefault("poll.max_interval_ms", 7000)
	v.SetDefault("poll.max_requests_per_minute", 120)

	// Database defaults (resolved relative to ~/.importpipe when not absolute)
	v.SetDefault("database.path", "importpipe.db")

	// Notify defaults (websocket endpoint disabled unless configured)
	v.SetDefault("notify.listen_addr", "")

	// Watch defaults
	v.SetDefault("watch.settle_ms", 2000)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	// Never persisted into am.toml by `am set`; comes from the environment.
	v.BindEnv("api.token", "IMPORTPIPE_API_TOKEN")
}
