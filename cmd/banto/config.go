package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"banto/internal/config"
	"banto/internal/observability"
)

// newConfigCommand creates the config subcommand tree.
func newConfigCommand(cli *CLI) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialize configuration",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.showConfig()
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a default config file",
		Args:  cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return cli.initConfig(path)
		},
	})

	return configCmd
}

// showConfig prints the merged configuration as YAML, defaults and env
// overrides applied, admin token masked.
func (cli *CLI) showConfig() error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}

	shown := cfg
	if shown.Server.AdminToken != "" {
		shown.Server.AdminToken = observability.SanitizeSecret(shown.Server.AdminToken)
	}

	data, err := yaml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}

	source := viper.ConfigFileUsed()
	if cli.configFile != "" {
		source = cli.configFile
	}
	if source == "" {
		source = "built-in defaults"
	}
	fmt.Printf("%s\n", gray("# source: "+source))
	fmt.Print(string(data))
	return nil
}

func (cli *CLI) initConfig(path string) error {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("cannot resolve home directory: %w", err)
		}
		path = filepath.Join(home, ".banto", "config.yaml")
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	fmt.Printf("%s wrote %s\n", green("✔"), bold(path))
	fmt.Printf("%s edit it, then run %s\n", gray("·"), bold("banto check"))
	return nil
}
