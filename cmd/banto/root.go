package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"banto/internal/config"
)

// isTTY checks if the current environment has a TTY available
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// Color definitions for terminal output
var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// Version information set at build time via -ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// CLI carries the persistent flag state shared by the subcommands.
type CLI struct {
	configFile string
	logLevel   string
	debug      bool
}

// NewRootCommand builds the banto command tree.
func NewRootCommand() *cobra.Command {
	cli := &CLI{}

	rootCmd := &cobra.Command{
		Use:   "banto [message...]",
		Short: "Conversational automation backend for workplace messaging",
		Long: `banto interprets workplace chat messages one at a time: it tracks
multi-turn dialogue state, gates every proposed action through a risk
check, and reconciles taught facts by sender authority.

Examples:
  banto "create task \"ship the quarterly report\""
  banto repl --memory
  banto serve --addr :8721
  banto check`,
		Args:         cobra.ArbitraryArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return cli.runSingleMessage(strings.Join(args, " "))
			}
			if !isTTY() {
				return cmd.Help()
			}
			return cli.runREPL(replOptions{
				user:         defaultUser(),
				conversation: "repl",
				authority:    "USER",
			})
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cli.configFile, "config", "c", "", "config file (default ~/.banto/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&cli.logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&cli.debug, "debug", false, "debug mode: verbose logs and debug routes")

	rootCmd.AddCommand(newServeCommand(cli))
	rootCmd.AddCommand(newREPLCommand(cli))
	rootCmd.AddCommand(newCheckCommand(cli))
	rootCmd.AddCommand(newConfigCommand(cli))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// initViper points viper at the banto config locations so flag and env
// lookups resolve. The YAML itself is parsed by config.Load; viper only
// discovers the file and binds BANTO_* env vars.
func (cli *CLI) initViper() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.banto")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("BANTO")
	viper.AutomaticEnv()

	if cli.configFile != "" {
		viper.SetConfigFile(cli.configFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Printf("%s failed to read config: %v\n", yellow("Warning:"), err)
		}
	}
}

// loadConfig merges the config file, BANTO_* env, and the persistent
// flags, flags last.
func (cli *CLI) loadConfig() (config.Config, error) {
	cli.initViper()

	path := cli.configFile
	if path == "" {
		path = viper.ConfigFileUsed()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	if cli.logLevel != "" {
		cfg.Logging.Level = cli.logLevel
	}
	if cli.debug {
		cfg.Logging.Level = "debug"
		cfg.Server.Debug = true
	}
	return cfg, nil
}

func defaultUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "local"
}

// newVersionCommand creates the version subcommand
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("banto %s\n", bold(Version))
			fmt.Printf("  %s: %s\n", "commit", GitCommit)
			fmt.Printf("  %s:  %s\n", "built", BuildTime)
			fmt.Printf("  %s:     %s %s/%s\n", "go", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
