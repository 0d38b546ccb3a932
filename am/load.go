package am

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var globalConfig *Config
var viperInstance *viper.Viper

// Load reads the importpipe configuration using Viper
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	globalConfig = &config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	return initViper()
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	// Set defaults but don't bind environment variables for this specific load
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config from %s: %w", configPath, err)
	}

	return &config, nil
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

// ConfigDir returns ~/.importpipe, creating it if necessary
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".importpipe")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}

// DatabasePath resolves the configured database path. Relative paths live
// under ~/.importpipe so plain `importpipe import` works from any directory.
func DatabasePath(cfg *Config) (string, error) {
	path := cfg.Database.Path
	if path == "" {
		path = "importpipe.db"
	}
	if filepath.IsAbs(path) {
		return path, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, path), nil
}

// initViper initializes Viper with configuration sources and defaults
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	// Set up environment variable binding
	v.SetEnvPrefix("IMPORTPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind specific sensitive configuration values to environment variables
	BindSensitiveEnvVars(v)

	// Set defaults first
	SetDefaults(v)

	// Merge config files in precedence order: user -> project -> env vars
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// findProjectConfig searches for am.toml by walking up the directory tree.
// Returns the path to the first config file found, or empty string if none found.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		amPath := filepath.Join(dir, "am.toml")
		if _, err := os.Stat(amPath); err == nil {
			return amPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root, stop searching
			break
		}
		dir = parent
	}

	return ""
}

// mergeConfigFiles merges configuration files in precedence order
// (lowest to highest): user < project. Env vars override both via viper.
func mergeConfigFiles(v *viper.Viper) {
	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, ".importpipe", "am.toml")
		if _, err := os.Stat(userPath); err == nil {
			v.SetConfigFile(userPath)
			v.SetConfigType("toml")
			_ = v.MergeInConfig()
		}
	}

	if projectPath := findProjectConfig(); projectPath != "" {
		v.SetConfigFile(projectPath)
		v.SetConfigType("toml")
		_ = v.MergeInConfig()
	}
}
