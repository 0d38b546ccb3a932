package am

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/corelms/importpipe/errors"
)

// UserConfigPath returns the path to the user config file ~/.importpipe/am.toml
func UserConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "could not determine config directory")
	}
	return filepath.Join(dir, "am.toml"), nil
}

// SetValue persists one dotted key (e.g. "api.base_url") into the user
// config file, creating the file if necessary. The cached configuration is
// reset so the next Load observes the change.
func SetValue(key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("empty config key")
	}
	if strings.EqualFold(key, "api.token") {
		return errors.WithHint(
			errors.New("api.token is environment-only"),
			"set IMPORTPIPE_API_TOKEN instead of persisting the token to disk")
	}

	config, configPath, err := loadOrInitializeUserConfig()
	if err != nil {
		return err
	}

	setNested(config, strings.Split(key, "."), value)

	if err := saveUserConfig(config, configPath); err != nil {
		return err
	}

	Reset()
	return nil
}

// loadOrInitializeUserConfig loads the user config file, or starts an
// empty document if it doesn't exist yet.
func loadOrInitializeUserConfig() (map[string]interface{}, string, error) {
	configPath, err := UserConfigPath()
	if err != nil {
		return nil, "", err
	}

	var config map[string]interface{}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := toml.Unmarshal(data, &config); err != nil {
			return nil, "", errors.Wrap(err, "failed to parse user config")
		}
	}
	if config == nil {
		config = make(map[string]interface{})
	}

	return config, configPath, nil
}

// saveUserConfig writes the config to the user config file with a backup
func saveUserConfig(config map[string]interface{}, configPath string) error {
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to write user config")
	}

	return nil
}

// createBackup keeps one .back copy of the config before modifying it
func createBackup(configPath string) error {
	content, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return nil // No file to backup
	}
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	return os.WriteFile(configPath+".back", content, DefaultFilePermissions)
}

// setNested writes value at the dotted key path, creating intermediate
// tables as needed.
func setNested(m map[string]interface{}, path []string, value string) {
	if len(path) == 1 {
		m[path[0]] = value
		return
	}
	child, ok := m[path[0]].(map[string]interface{})
	if !ok {
		child = make(map[string]interface{})
		m[path[0]] = child
	}
	setNested(child, path[1:], value)
}
