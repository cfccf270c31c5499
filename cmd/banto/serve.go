package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"banto/internal/di"
)

// newServeCommand creates the serve subcommand running the HTTP server
// in the foreground.
func newServeCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Long: `Runs the banto HTTP server in the foreground until interrupted.
The message API, the teach and conflict endpoints, the websocket event
feed, and the admin surface all hang off one listener.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.runServe()
		},
	}

	cmd.Flags().String("addr", "", "listen address (overrides config)")
	viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))

	return cmd
}

func (cli *CLI) runServe() error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	if addr := viper.GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	container, err := di.BuildContainer(cfg, di.Options{Version: Version})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- container.Start(ctx)
	}()

	fmt.Printf("%s banto %s listening on %s\n", green("▸"), Version, bold(cfg.Server.Addr))
	if cfg.Server.AdminToken == "" {
		fmt.Printf("%s admin endpoints disabled: no admin token configured\n", gray("·"))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-quit:
		fmt.Printf("\n%s received %s, shutting down\n", yellow("▸"), sig)
	}

	timeout := cfg.Server.ShutdownTimeout.Std()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()

	if err := container.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	fmt.Printf("%s stopped\n", green("▸"))
	return nil
}
