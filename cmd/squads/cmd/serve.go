package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/squads/internal/config"
	"github.com/hugo-lorenzo-mato/squads/internal/core"
	"github.com/hugo-lorenzo-mato/squads/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/squads/internal/dispatch"
	"github.com/hugo-lorenzo-mato/squads/internal/events"
	"github.com/hugo-lorenzo-mato/squads/internal/kanban"
	"github.com/hugo-lorenzo-mato/squads/internal/logging"
	"github.com/hugo-lorenzo-mato/squads/internal/pool"
	"github.com/hugo-lorenzo-mato/squads/internal/supervisor"
	"github.com/hugo-lorenzo-mato/squads/internal/templates"
	"github.com/hugo-lorenzo-mato/squads/internal/web"
	"github.com/hugo-lorenzo-mato/squads/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Start the orchestrator: the event bus, worker supervisor, workflow run
engine, ticket bridge, template watcher and the HTTP ingress.

Workers and collaborators report progress through the HTTP API; source-control
and chat providers deliver webhooks to /webhooks/{project}/{provider}.`,
	RunE: runServe,
}

var (
	serveHost      string
	servePort      int
	serveSpawnAll  bool
	serveNoWatcher bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "host address to bind to (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides server.port)")
	serveCmd.Flags().BoolVar(&serveSpawnAll, "spawn", false, "start every active worker on startup")
	serveCmd.Flags().BoolVar(&serveNoWatcher, "no-watch", false, "do not watch the template directory")

	_ = viper.BindPFlag("supervisor.spawn_on_start", serveCmd.Flags().Lookup("spawn"))
}

// storeSink writes worker output to the store and echoes it to the logger.
type storeSink struct {
	store  core.LogSink
	logger *logging.Logger
}

func (s storeSink) WriteWorkerLog(ctx context.Context, line core.WorkerLogLine) error {
	s.logger.Info(line.Line, "worker_id", line.WorkerID, "stream", line.Stream)
	return s.store.WriteWorkerLog(ctx, line)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("failed to close state store", slog.String("error", closeErr.Error()))
		}
	}()
	logger.Info("state store opened",
		slog.String("backend", cfg.State.Backend),
		slog.String("workers_backend", cfg.State.WorkersBackend))

	bus := events.New(logger)
	defer bus.Close()

	rt, err := wire(cfg, store, bus, logger)
	if err != nil {
		return err
	}
	defer rt.unsubscribe()

	catalog := templates.NewCatalog(cfg.Workflow.TemplatesDir, store, logger)
	loaded, err := catalog.LoadAll(ctx)
	if err != nil {
		logger.Warn("some templates failed to load", slog.String("error", err.Error()))
	}
	logger.Info("templates loaded", slog.Int("count", loaded), slog.String("dir", catalog.Dir()))
	if cfg.Workflow.WatchTemplates && !serveNoWatcher {
		go func() {
			if err := catalog.Watch(ctx); err != nil {
				logger.Warn("template watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	services := web.Services{
		Runs:      rt.engine,
		Workers:   store,
		Pool:      rt.pool,
		Messenger: rt.supervisor,
		Bus:       bus,
	}
	if cfg.Diagnostics.Enabled {
		monitor := diagnostics.NewMonitor(rt.supervisor, diagnostics.Options{
			Interval:    cfg.Diagnostics.IntervalDuration(),
			HistorySize: cfg.Diagnostics.History,
			Thresholds: diagnostics.Thresholds{
				WorkerRSSMB:    cfg.Diagnostics.WorkerRSSMB,
				HostMemPercent: cfg.Diagnostics.HostMemPercent,
			},
			Logger: logger,
		})
		monitor.Start(ctx)
		defer monitor.Stop()
		services.Monitor = monitor
	}

	server := web.New(web.ConfigFrom(cfg), services, logger)
	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	if cfg.Supervisor.SpawnOnStart {
		projects, err := activeProjects(ctx, store)
		if err != nil {
			logger.Warn("listing projects for spawn", slog.String("error", err.Error()))
		}
		for _, p := range projects {
			bus.Publish(ctx, events.NewSpawnAllEvent(p))
		}
	}

	logger.Info("orchestrator ready", slog.String("addr", server.Addr()))
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration()+cfg.Supervisor.GracePeriodDuration())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", slog.String("error", err.Error()))
	}
	if err := rt.supervisor.StopAll(shutdownCtx); err != nil {
		logger.Warn("stopping workers", slog.String("error", err.Error()))
	}
	logger.Info("orchestrator stopped")
	return nil
}

type orchestrator struct {
	pool        *pool.Pool
	supervisor  *supervisor.Supervisor
	engine      *workflow.Engine
	dispatcher  *dispatch.Dispatcher
	unsubscribe func()
}

// wire builds the orchestration components and subscribes them. The bridge
// only follows events the engine emits, which the engine publishes in
// lifecycle order, so a node's on_complete move lands before the next
// node's on_start move.
func wire(cfg *config.Config, store core.Store, bus *events.EventBus, logger *logging.Logger) (*orchestrator, error) {
	var legacy *core.LegacyRoleMatcher
	if cfg.Roles.LegacyMatching {
		m, err := core.NewLegacyRoleMatcher(cfg.Roles.LegacyPatterns)
		if err != nil {
			return nil, fmt.Errorf("compiling legacy role patterns: %w", err)
		}
		legacy = m
	}
	p := pool.New(store, pool.WithLegacyMatcher(legacy), pool.WithLogger(logger))

	supOpts := []supervisor.Option{
		supervisor.WithPublisher(bus),
		supervisor.WithReleaser(p),
		supervisor.WithLogger(logger.WithComponent("supervisor")),
		supervisor.WithEnvResolver(func(project string) []string {
			return cfg.Credentials.EnvFor(project, os.LookupEnv)
		}),
	}
	switch cfg.Supervisor.LogSink {
	case "store", "":
		supOpts = append(supOpts, supervisor.WithLogSink(store))
	case "both":
		supOpts = append(supOpts, supervisor.WithLogSink(storeSink{store: store, logger: logger.WithComponent("worker")}))
	}
	sup := supervisor.New(supervisor.Config{
		Executable:  cfg.Supervisor.Executable,
		Args:        cfg.Supervisor.Args,
		GracePeriod: cfg.Supervisor.GracePeriodDuration(),
	}, store, supOpts...)

	engine := workflow.NewEngine(workflow.EngineConfig{
		Templates:         store,
		Runs:              store,
		Pool:              p,
		Messenger:         sup,
		Bus:               bus,
		Logger:            logger,
		DanglingEdge:      workflow.DanglingEdgePolicy(cfg.Workflow.DanglingEdge),
		FailOrphanedNodes: cfg.Workflow.FailOrphanedNodes,
	})

	bridge := kanban.NewBridge(kanban.BridgeConfig{Tickets: store, Logger: logger})

	branches, err := dispatch.NewBranchMatcher(cfg.Webhooks.TicketBranchPattern)
	if err != nil {
		return nil, err
	}
	d := dispatch.New(dispatch.Config{
		Workers:          store,
		Tickets:          store,
		Pool:             p,
		Messenger:        sup,
		Spawner:          sup,
		Runs:             engine,
		Bus:              bus,
		Branches:         branches,
		Logger:           logger,
		SpawnConcurrency: cfg.Supervisor.SpawnConcurrency,
		DefaultTemplate:  cfg.Workflow.DefaultTemplate,
	})

	unsubs := []func(){
		bridge.Subscribe(bus),
		engine.Subscribe(bus),
		d.Subscribe(),
	}
	return &orchestrator{
		pool:       p,
		supervisor: sup,
		engine:     engine,
		dispatcher: d,
		unsubscribe: func() {
			for i := len(unsubs) - 1; i >= 0; i-- {
				unsubs[i]()
			}
		},
	}, nil
}

func activeProjects(ctx context.Context, store core.WorkerStore) ([]string, error) {
	workers, err := store.ListWorkers(ctx, core.WorkerFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, w := range workers {
		if !seen[w.ProjectID] {
			seen[w.ProjectID] = true
			out = append(out, w.ProjectID)
		}
	}
	sort.Strings(out)
	return out, nil
}
