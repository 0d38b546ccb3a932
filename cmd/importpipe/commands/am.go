package commands

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/corelms/importpipe/am"
	"github.com/corelms/importpipe/errors"
)

// AmCmd manages importpipe configuration ("I am").
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage importpipe configuration",
	Long: `am — Manage importpipe configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (IMPORTPIPE_* prefix)
2. Project config (am.toml, found by walking up from the working directory)
3. User config (~/.importpipe/am.toml)
4. Default values

The API token is environment-only (IMPORTPIPE_API_TOKEN) and is never
written to a config file.

Examples:
  importpipe am show                      # Show merged configuration
  importpipe am get poll.base_interval_ms # Read one value
  importpipe am set api.base_url https://lms.example.com/api/v1/admin`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the merged importpipe configuration from all sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		return runAmShow(format)
	},
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Long:  "Get a configuration value using dot notation (e.g., database.path, poll.max_interval_ms)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAmGet(args[0])
	},
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Persist a configuration value",
	Long: `Write a configuration value to the user config file
(~/.importpipe/am.toml). The previous file is kept as am.toml.back.

The API token cannot be persisted; export IMPORTPIPE_API_TOKEN instead.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAmSet(args[0], args[1])
	},
}

func init() {
	amShowCmd.Flags().String("format", "toml", "Output format: toml or json")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amSetCmd)
}

func runAmShow(format string) error {
	if _, err := am.Load(); err != nil {
		return err
	}
	settings := am.GetViper().AllSettings()
	redactToken(settings)

	switch format {
	case "json":
		out, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	case "toml":
		out, err := toml.Marshal(settings)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
	default:
		return errors.Newf("unknown format %q (want toml or json)", format)
	}
	return nil
}

func runAmGet(key string) error {
	if _, err := am.Load(); err != nil {
		return err
	}
	v := am.GetViper()
	if !v.IsSet(key) {
		// Distinguish "unset" from "empty" by listing near misses.
		keys := v.AllKeys()
		sort.Strings(keys)
		return errors.WithHintf(errors.Newf("unknown configuration key %q", key),
			"known keys: %v", keys)
	}
	fmt.Println(v.Get(key))
	return nil
}

func runAmSet(key, value string) error {
	if err := am.SetValue(key, value); err != nil {
		return err
	}
	path, _ := am.UserConfigPath()
	fmt.Printf("Set %s = %s in %s\n", key, value, path)
	return nil
}

// redactToken masks the API token in display output.
func redactToken(settings map[string]interface{}) {
	apiSection, ok := settings["api"].(map[string]interface{})
	if !ok {
		return
	}
	if tok, ok := apiSection["token"].(string); ok && tok != "" {
		apiSection["token"] = "********"
	}
}
