package di

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"banto/internal/async"
	"banto/internal/collab"
	"banto/internal/config"
	"banto/internal/decisionlog"
	"banto/internal/dedup"
	"banto/internal/dialog"
	"banto/internal/knowledge"
	"banto/internal/logging"
	"banto/internal/observability"
	"banto/internal/orchestrator"
	"banto/internal/safety"
	"banto/internal/scheduler"
	"banto/internal/server"
)

type containerBuilder struct {
	cfg    config.Config
	opts   Options
	logger *observability.Logger
}

// BuildContainer wires the full component graph. The caller owns the
// result and must Shutdown it.
func BuildContainer(cfg config.Config, opts Options) (*Container, error) {
	return newContainerBuilder(cfg, opts).build()
}

func newContainerBuilder(cfg config.Config, opts Options) *containerBuilder {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: opts.LogOutput,
	})
	return &containerBuilder{cfg: cfg, opts: opts, logger: logger}
}

// component scopes the container's structured logger for a printf-style
// consumer. Every component inherits the configured level, format and
// output, so redirecting LogOutput silences the whole graph.
func (b *containerBuilder) component(name string) logging.Logger {
	return logging.FromObservability(b.logger, name)
}

func (b *containerBuilder) build() (*Container, error) {
	tracer, err := observability.NewTracerProvider(b.cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	stateStore, err := b.buildStateStore()
	if err != nil {
		return nil, err
	}
	machine, err := dialog.NewMachine(stateStore, machineConfig(b.cfg.State), b.component("dialog"))
	if err != nil {
		stateStore.Close()
		return nil, fmt.Errorf("failed to build state machine: %w", err)
	}

	gate, err := safety.NewGateFromConfig(b.cfg.Safety, b.component("safety"))
	if err != nil {
		stateStore.Close()
		return nil, fmt.Errorf("failed to build safety gate: %w", err)
	}

	learnStore, err := b.buildLearningStore()
	if err != nil {
		stateStore.Close()
		return nil, err
	}
	svc := knowledge.NewService(learnStore, knowledge.ServiceOptions{
		CacheSize:  b.cfg.Knowledge.CacheSize,
		CacheTTL:   b.cfg.Knowledge.CacheTTL.Std(),
		PendingTTL: b.cfg.Knowledge.PendingConflictTTL.Std(),
	}, b.component("knowledge"))

	dedupCache, err := dedup.New(b.cfg.Dedup.Size, b.cfg.Dedup.TTL.Std())
	if err != nil {
		stateStore.Close()
		learnStore.Close()
		return nil, err
	}

	decisions := decisionlog.NewFileStore(b.cfg.DecisionLog.Dir)
	tasks := async.NewTaskSet(b.cfg.Tasks.Limit, b.component("tasks"))
	runtime := config.NewRuntimeHolder(b.cfg.RuntimeSnapshot())

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "banto",
		Subsystem: "knowledge",
		Name:      "pending_conflicts",
		Help:      "Parked conflict resolutions awaiting a user choice.",
	}, func() float64 { return float64(svc.PendingCount()) }))
	hub := server.NewHub(b.logger)

	understand, decide, execute := b.buildCollaborators(svc)

	orch, err := orchestrator.New(orchestrator.Dependencies{
		Machine:    machine,
		Gate:       gate,
		Knowledge:  svc,
		Understand: understand,
		Decide:     decide,
		Execute:    execute,
		Runtime:    runtime,
		Decisions:  decisions,
		Dedup:      dedupCache,
		Tasks:      tasks,
		Logger:     b.logger,
		Metrics:    orchestrator.MustNewMetrics(registry),
		Tracer:     tracer,
		Events:     hub,
	}, orchestrator.Config{
		OrganizationID: b.cfg.Knowledge.DefaultOrganization,
		Budgets: collab.Budgets{
			Understand: b.cfg.Collab.UnderstandTimeout.Std(),
			Decide:     b.cfg.Collab.DecideTimeout.Std(),
			Execute:    b.cfg.Collab.ExecuteTimeout.Std(),
		},
		ContextTokenBudget: b.cfg.Collab.ContextTokenBudget,
	})
	if err != nil {
		stateStore.Close()
		learnStore.Close()
		return nil, fmt.Errorf("failed to build orchestrator: %w", err)
	}

	sched := scheduler.New(scheduler.Config{
		Enabled:               b.cfg.Scheduler.Enabled,
		StateSweep:            b.cfg.Scheduler.StateSweep,
		LearningRetention:     b.cfg.Scheduler.LearningRetention,
		LearningRetentionDays: b.cfg.Knowledge.RetentionDays,
		DecisionCompaction:    b.cfg.Scheduler.DecisionCompaction,
		DecisionRetentionDays: b.cfg.DecisionLog.RetentionDays,
	}, stateStore, svc, decisions, b.component("scheduler"))

	srvOpts := server.Options{
		Config:       b.cfg.Server,
		Orchestrator: orch,
		Runtime:      runtime,
		Hub:          hub,
		Maintenance:  sched,
		Decisions:    decisions,
		Logger:       b.logger,
		Tracer:       tracer,
		Version:      b.opts.Version,
	}
	if b.cfg.Metrics.Enabled {
		srvOpts.Gatherer = registry
	}
	srv, err := server.New(srvOpts)
	if err != nil {
		stateStore.Close()
		learnStore.Close()
		return nil, fmt.Errorf("failed to build http server: %w", err)
	}

	return &Container{
		Config:       b.cfg,
		Runtime:      runtime,
		Machine:      machine,
		Gate:         gate,
		Knowledge:    svc,
		Orchestrator: orch,
		Decisions:    decisions,
		Scheduler:    sched,
		Hub:          hub,
		Server:       srv,
		Registry:     registry,
		Logger:       b.logger,
		Tracer:       tracer,
		stateStore:   stateStore,
		learnStore:   learnStore,
	}, nil
}

func (b *containerBuilder) buildStateStore() (dialog.Store, error) {
	if b.opts.InMemory || b.cfg.State.Backend == "memory" {
		return dialog.NewInMemoryStore(), nil
	}
	store, err := dialog.NewSQLiteStore(b.cfg.State.DSN, b.component("dialog"))
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	return store, nil
}

func (b *containerBuilder) buildLearningStore() (knowledge.Store, error) {
	if b.opts.InMemory || b.cfg.Knowledge.Backend == "memory" {
		return knowledge.NewInMemoryStore(), nil
	}
	store, err := knowledge.NewSQLiteStore(b.cfg.Knowledge.DSN, b.component("knowledge"))
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge store: %w", err)
	}
	return store, nil
}

// buildCollaborators wires the reference collaborators and backs the
// knowledge actions with the real service, so search and removal work
// end to end without the external intelligence layer.
func (b *containerBuilder) buildCollaborators(svc *knowledge.Service) (collab.UnderstandingCollaborator, collab.DecisionCollaborator, collab.ExecutionCollaborator) {
	execute := collab.NewReferenceExecution()
	execute.Register("knowledge_search", searchHandler(svc))
	execute.Register("learning_remove", removeHandler(svc))
	return collab.NewReferenceUnderstanding(), collab.NewReferenceDecision(), execute
}

func machineConfig(sc config.StateConfig) dialog.MachineConfig {
	return dialog.MachineConfig{
		ConfirmationTTL: sc.ConfirmationTTL.Std(),
		TaskPendingTTL:  sc.TaskPendingTTL.Std(),
		ListContextTTL:  sc.ListContextTTL.Std(),
		CancelKeywords:  sc.CancelKeywords,
		MaxRetries:      sc.MaxRetries,
	}
}

const searchResultLimit = 5

func searchHandler(svc *knowledge.Service) collab.HandlerFunc {
	return func(ctx context.Context, d collab.Decision, tc collab.Context) (collab.Result, error) {
		query, _ := d.Params["query"].(string)
		found, err := svc.Search(ctx, tc.OrganizationID, query)
		if err != nil {
			return collab.Result{}, err
		}
		if len(found) == 0 {
			return collab.Result{
				Success: true,
				Message: "I don't have anything on that yet. Teach me with \"remember: <topic> = <fact>\".",
			}, nil
		}
		var sb strings.Builder
		sb.WriteString("Here's what I know:")
		for i, learning := range found {
			if i == searchResultLimit {
				break
			}
			fmt.Fprintf(&sb, "\n- %s: %s", learning.Trigger, learning.Content.Display())
		}
		return collab.Result{
			Success: true,
			Message: sb.String(),
			Data:    map[string]any{"count": len(found)},
		}, nil
	}
}

func removeHandler(svc *knowledge.Service) collab.HandlerFunc {
	return func(ctx context.Context, d collab.Decision, tc collab.Context) (collab.Result, error) {
		target, _ := d.Params["body"].(string)
		if target == "" {
			target, _ = d.Params["query"].(string)
		}
		if strings.TrimSpace(target) == "" {
			return collab.Result{
				Success: false,
				Message: "Tell me which fact to forget, e.g. forget \"wifi password\".",
			}, nil
		}
		found, err := svc.Search(ctx, tc.OrganizationID, target)
		if err != nil {
			return collab.Result{}, err
		}
		switch {
		case len(found) == 0:
			return collab.Result{
				Success: false,
				Message: fmt.Sprintf("I don't have anything matching %q.", target),
			}, nil
		case len(found) > 1:
			suggestions := make([]string, 0, searchResultLimit)
			for _, learning := range found {
				suggestions = append(suggestions, learning.Trigger)
				if len(suggestions) == searchResultLimit {
					break
				}
			}
			return collab.Result{
				Success:     false,
				Message:     "A few things match. Which one did you mean?",
				Suggestions: suggestions,
			}, nil
		}
		remover := knowledge.AuthorityUser
		if parsed, perr := knowledge.ParseAuthority(tc.Authority); perr == nil {
			remover = parsed
		}
		if err := svc.Remove(ctx, found[0].ID, remover); err != nil {
			return collab.Result{}, err
		}
		return collab.Result{
			Success: true,
			Message: fmt.Sprintf("Forgotten: %s.", found[0].Trigger),
		}, nil
	}
}
