// Package app wires Kiroku's components together and runs them.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bdobrica/Kiroku/internal/kiroku/commands"
	"github.com/bdobrica/Kiroku/internal/kiroku/config"
	"github.com/bdobrica/Kiroku/internal/kiroku/eligibility"
	"github.com/bdobrica/Kiroku/internal/kiroku/llm"
	"github.com/bdobrica/Kiroku/internal/kiroku/matrix"
	"github.com/bdobrica/Kiroku/internal/kiroku/notify"
	"github.com/bdobrica/Kiroku/internal/kiroku/ratelimit"
	"github.com/bdobrica/Kiroku/internal/kiroku/scheduler"
	"github.com/bdobrica/Kiroku/internal/kiroku/settings"
	"github.com/bdobrica/Kiroku/internal/kiroku/store"
	"github.com/bdobrica/Kiroku/internal/kiroku/summary"
	"github.com/bdobrica/Kiroku/internal/kiroku/tracking"
)

// App is the running bot.
type App struct {
	config       *config.Config
	store        *store.Store
	matrix       *matrix.Client
	inbound      *inbound
	scheduler    *scheduler.Scheduler
	runner       *scheduler.Runner
	healthServer *HealthServer
	logger       *slog.Logger
}

// New opens the database, connects the Matrix client and builds every
// component. Nothing runs until Run is called.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening database", "path", cfg.DatabasePath)
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// The sync token lives in the application database so history is not
	// replayed after a restart.
	matrixCfg := cfg.MatrixConfig()
	matrixCfg.DB = st.DB()
	logger.Info("connecting to Matrix", "homeserver", matrixCfg.Homeserver)
	mc, err := matrix.New(matrixCfg, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize Matrix client: %w", err)
	}

	chats := settings.New(st)
	manager := tracking.NewManager(st, cfg.TrackingConfig(), logger)
	collector := tracking.NewCollector(st, logger)
	limiter := ratelimit.New(cfg.Limits)
	notifier := notify.NewMatrixNotifier(mc, logger)

	var summarizer llm.Summarizer = llm.Unconfigured{}
	if cfg.LLM.APIKey != "" || cfg.LLM.BaseURL != "" {
		oa := llm.NewOpenAI(cfg.LLMConfig())
		summarizer = oa
		logger.Info("LLM summarizer ready", "model", oa.Model())
	} else {
		logger.Warn("no LLM configured; summaries will fail until LLM_API_KEY or LLM_BASE_URL is set")
	}
	orch := summary.New(st, summarizer, chats, cfg.SummaryConfig(), logger)

	sched := scheduler.New(cfg.Scheduler.Config, eligibility.New(chats, st, logger), orch, notifier, st, logger)
	runner, err := scheduler.NewRunner(sched, manager, limiter, cfg.RunnerConfig(), logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize scheduler runner: %w", err)
	}

	router := commands.NewRouter(commands.Prefix)
	commands.NewHandlers(commands.HandlersConfig{
		Tracker:    manager,
		Summaries:  orch,
		Settings:   chats,
		Limiter:    limiter,
		Titles:     mc,
		Notifier:   notifier,
		Deliveries: st,
		Logger:     logger,
	}).Register(router)

	a := &App{
		config: cfg,
		store:  st,
		matrix: mc,
		inbound: &inbound{
			collector: collector,
			router:    router,
			notifier:  notifier,
			names:     mc,
			logger:    logger,
		},
		scheduler: sched,
		runner:    runner,
		logger:    logger,
	}

	if cfg.HTTPAddr != "" {
		a.healthServer = NewHealthServer(cfg.HTTPAddr, st, logger)
		a.healthServer.Handle("/scheduler/run", scheduler.NewHandler(sched, cfg.Scheduler.Token, logger))
		if cfg.Scheduler.Token == "" {
			logger.Warn("POST /scheduler/run is not protected; set KIROKU_SCHEDULER_TOKEN")
		}
	}
	return a, nil
}

// Run starts every component and blocks until ctx ends.
func (a *App) Run(ctx context.Context) error {
	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			a.logger.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	a.logger.Info("starting Matrix sync")
	if err := a.matrix.Start(ctx, a.inbound.handle); err != nil {
		return fmt.Errorf("failed to start Matrix client: %w", err)
	}

	// Maintenance runs even when scheduled summaries are switched off.
	a.runner.Start(ctx)
	if !a.scheduler.Enabled() {
		a.logger.Info("scheduled summaries disabled")
	}

	a.logger.Info("Kiroku is running; press Ctrl+C to stop")
	<-ctx.Done()
	a.logger.Info("shutting down")
	return nil
}

// Stop stops every component and closes the database.
func (a *App) Stop() {
	a.logger.Info("stopping scheduler")
	a.runner.Stop()

	a.logger.Info("stopping Matrix client")
	a.matrix.Stop()

	if a.healthServer != nil {
		a.logger.Info("stopping health server")
		a.healthServer.Stop()
	}

	a.logger.Info("closing database")
	a.store.Close()
}
