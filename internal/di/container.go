// Package di assembles the component graph from loaded configuration.
// cmd/banto and cmd/banto-server both build through it, so the CLI's
// serve command and the headless binary run identical pipelines.
package di

import (
	"context"
	"errors"
	"io"

	"github.com/prometheus/client_golang/prometheus"

	"banto/internal/config"
	"banto/internal/decisionlog"
	"banto/internal/dialog"
	"banto/internal/knowledge"
	"banto/internal/observability"
	"banto/internal/orchestrator"
	"banto/internal/safety"
	"banto/internal/scheduler"
	"banto/internal/server"
)

// Container holds the wired application components. Everything hangs
// off the orchestrator; the server and scheduler are started by Start
// and torn down by Shutdown.
type Container struct {
	Config       config.Config
	Runtime      *config.RuntimeHolder
	Machine      *dialog.Machine
	Gate         *safety.Gate
	Knowledge    *knowledge.Service
	Orchestrator *orchestrator.Orchestrator
	Decisions    decisionlog.Store
	Scheduler    *scheduler.Scheduler
	Hub          *server.Hub
	Server       *server.Server
	Registry     *prometheus.Registry
	Logger       *observability.Logger
	Tracer       *observability.TracerProvider

	stateStore dialog.Store
	learnStore knowledge.Store
}

// Options adjusts the build beyond what the config file says.
type Options struct {
	// Version is stamped into /healthz and the version command.
	Version string

	// InMemory forces in-memory state and knowledge stores regardless
	// of the configured backends. The REPL's --memory flag uses it.
	InMemory bool

	// LogOutput overrides the structured log destination. The REPL
	// points it away from the terminal so records do not interleave
	// with the conversation.
	LogOutput io.Writer
}

// Start launches the maintenance scheduler and serves HTTP until the
// listener fails or Shutdown is called.
func (c *Container) Start(ctx context.Context) error {
	if err := c.Scheduler.Start(ctx); err != nil {
		return err
	}
	return c.Server.Start()
}

// Shutdown stops the HTTP server, drains background work, and closes
// the stores. Safe to call when Start never ran.
func (c *Container) Shutdown(ctx context.Context) error {
	var errs []error
	if err := c.Server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	c.Scheduler.Stop()
	if err := c.Orchestrator.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.stateStore.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.learnStore.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.Tracer != nil {
		if err := c.Tracer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
