package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/VIGIL/config"
)

// ConfigPath is set by the root --config flag; empty means the resolved
// default (vigil.toml or $VIGIL_CONFIG).
var ConfigPath string

// Verbosity is the root -v flag count; it selects both the zap level and the
// output categories shown (see logger.ShouldOutput).
var Verbosity int

// resolveConfigPath returns the effective config file location.
func resolveConfigPath() string {
	if ConfigPath != "" {
		return ConfigPath
	}
	return config.Path()
}

// loadConfig loads from the effective path, falling back to defaults when
// the file does not exist.
func loadConfig() (*config.Config, error) {
	path := resolveConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.Default()
		return &cfg, nil
	}
	return config.LoadFrom(path)
}

// ConfigCmd groups configuration subcommands.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage VIGIL configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  `Display the effective configuration: file values merged over defaults.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var out []byte
		switch format {
		case "toml":
			out, err = toml.Marshal(cfg)
		case "json":
			out, err = json.MarshalIndent(cfg, "", "  ")
		case "yaml":
			out, err = yaml.Marshal(cfg)
		default:
			return fmt.Errorf("unknown format %q (want toml, json or yaml)", format)
		}
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}

		fmt.Println(string(out))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := resolveConfigPath()
		if _, err := os.Stat(path); err == nil {
			force, _ := cmd.Flags().GetBool("force")
			if !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
		}

		cfg := config.Default()
		if err := config.Save(&cfg, path); err != nil {
			return err
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the effective config file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(resolveConfigPath())
	},
}

func init() {
	configShowCmd.Flags().String("format", "toml", "Output format: toml, json or yaml")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing config file")

	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configInitCmd)
	ConfigCmd.AddCommand(configPathCmd)
}
