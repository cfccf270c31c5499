package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"banto/internal/config"
	"banto/internal/di"
	"banto/internal/dialog"
	"banto/internal/knowledge"
	"banto/internal/logging"
	"banto/internal/observability"
	"banto/internal/safety"
)

// newCheckCommand creates the check subcommand: a doctor that verifies
// the configuration actually runs on this machine.
func newCheckCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration, storage, and wiring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.runCheck()
		},
	}
}

func (cli *CLI) runCheck() error {
	failed := 0
	pass := func(format string, args ...any) {
		fmt.Printf("%s %s\n", green("✔"), fmt.Sprintf(format, args...))
	}
	fail := func(format string, args ...any) {
		failed++
		fmt.Printf("%s %s\n", red("✖"), fmt.Sprintf(format, args...))
	}
	note := func(format string, args ...any) {
		fmt.Printf("%s %s\n", gray("·"), fmt.Sprintf(format, args...))
	}

	cfg, err := cli.loadConfig()
	if err != nil {
		fail("config: %v", err)
		return fmt.Errorf("configuration check failed")
	}
	source := viper.ConfigFileUsed()
	if cli.configFile != "" {
		source = cli.configFile
	}
	if source == "" {
		source = "built-in defaults"
	}
	pass("config: %s", source)

	cli.checkStateStore(cfg, pass, fail)
	cli.checkKnowledgeStore(cfg, pass, fail)
	cli.checkDecisionDir(cfg, pass, fail)
	cli.checkRiskRegistry(cfg, pass, fail)
	cli.checkSchedulerSpecs(cfg, pass, fail, note)
	cli.checkWiring(cfg, pass, fail)

	if cfg.Server.AdminToken == "" {
		note("admin endpoints disabled: no admin token configured")
	} else {
		note("admin token: %s", observability.SanitizeSecret(cfg.Server.AdminToken))
	}
	if cfg.Safety.EmergencyStop {
		note("%s", red("emergency stop is ON: every action will block"))
	}
	note("rate limit: %d/min burst %d", cfg.Server.RatePerMinute, cfg.Server.RateBurst)

	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	fmt.Printf("\n%s all checks passed\n", green("✔"))
	return nil
}

func (cli *CLI) checkStateStore(cfg config.Config, pass, fail func(string, ...any)) {
	if cfg.State.Backend == "memory" {
		pass("state store: in-memory")
		return
	}
	store, err := dialog.NewSQLiteStore(cfg.State.DSN, logging.Nop())
	if err != nil {
		fail("state store: %v", err)
		return
	}
	store.Close()
	pass("state store: sqlite %s", cfg.State.DSN)
}

func (cli *CLI) checkKnowledgeStore(cfg config.Config, pass, fail func(string, ...any)) {
	if cfg.Knowledge.Backend == "memory" {
		pass("knowledge store: in-memory")
		return
	}
	store, err := knowledge.NewSQLiteStore(cfg.Knowledge.DSN, logging.Nop())
	if err != nil {
		fail("knowledge store: %v", err)
		return
	}
	store.Close()
	pass("knowledge store: sqlite %s", cfg.Knowledge.DSN)
}

func (cli *CLI) checkDecisionDir(cfg config.Config, pass, fail func(string, ...any)) {
	dir := cfg.DecisionLog.Dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fail("decision log: %v", err)
		return
	}
	probe := filepath.Join(dir, ".banto-check")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		fail("decision log: directory not writable: %v", err)
		return
	}
	os.Remove(probe)
	pass("decision log: %s", dir)
}

func (cli *CLI) checkRiskRegistry(cfg config.Config, pass, fail func(string, ...any)) {
	registry := safety.DefaultRegistry(cfg.Safety.AmountThreshold, cfg.Safety.RecipientsThreshold)
	if cfg.Safety.RegistryPath != "" {
		if err := registry.LoadFile(cfg.Safety.RegistryPath); err != nil {
			fail("risk registry: %v", err)
			return
		}
		pass("risk registry: %d tools (overlay %s)", len(registry.Tools()), cfg.Safety.RegistryPath)
		return
	}
	pass("risk registry: %d tools", len(registry.Tools()))
}

func (cli *CLI) checkSchedulerSpecs(cfg config.Config, pass, fail, note func(string, ...any)) {
	if !cfg.Scheduler.Enabled {
		note("scheduler: disabled")
		return
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	specs := map[string]string{
		"state_sweep":         cfg.Scheduler.StateSweep,
		"learning_retention":  cfg.Scheduler.LearningRetention,
		"decision_compaction": cfg.Scheduler.DecisionCompaction,
	}
	bad := 0
	jobs := 0
	for name, spec := range specs {
		if spec == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			fail("scheduler: %s spec %q: %v", name, spec, err)
			bad++
			continue
		}
		jobs++
	}
	if bad == 0 {
		pass("scheduler: %d job(s) configured", jobs)
	}
}

// checkWiring builds the full container once to catch anything the
// individual probes miss, then tears it down.
func (cli *CLI) checkWiring(cfg config.Config, pass, fail func(string, ...any)) {
	container, err := di.BuildContainer(cfg, di.Options{Version: Version, LogOutput: io.Discard})
	if err != nil {
		fail("pipeline wiring: %v", err)
		return
	}
	shutdownQuietly(container)
	pass("pipeline wiring")
}
