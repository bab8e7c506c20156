package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"taskflow/internal/api"
	"taskflow/internal/bus"
	"taskflow/internal/config"
	"taskflow/internal/eventbus"
	httphandler "taskflow/internal/handlers/http"
	"taskflow/internal/handlers/shell"
	"taskflow/internal/metrics"
	"taskflow/internal/orchestrator"
	"taskflow/internal/scheduler"
	"taskflow/internal/store/memory"
	"taskflow/internal/store/sqlite"
	"taskflow/internal/worker"
	"taskflow/internal/workflow"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to a YAML or JSON config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path, or :memory: (overrides config)")
		debug   = flag.Bool("debug", false, "debug logging and /debug/pprof")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	setupLogging(cfg.Log)
	logger := log.Logger

	store, closeStore, err := openStore(cfg.DB.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer closeStore()

	events := eventbus.New()
	msgBus := bus.New(
		bus.WithLogLimit(cfg.Dispatch.MessageLog),
		bus.WithEvents(events),
		bus.WithLogger(logger.With().Str("component", "bus").Logger()),
	)
	orch := orchestrator.New(
		orchestrator.Config{Policy: cfg.Policy(), MaxConcurrency: cfg.Dispatch.MaxConcurrency},
		msgBus,
		orchestrator.WithEvents(events),
		orchestrator.WithLogger(logger.With().Str("component", "orchestrator").Logger()),
	)

	exec := workflow.NewExecutor(orch, workflow.WithLogger(logger.With().Str("component", "workflow").Logger()))
	for id, spec := range cfg.Workflows {
		if err := exec.Define(id, spec); err != nil {
			log.Fatal().Err(err).Str("workflow", id).Msg("define workflow")
		}
	}

	sched := scheduler.NewService(store, exec,
		scheduler.WithPollInterval(cfg.PollInterval()),
		scheduler.WithMaxTimerDelay(cfg.MaxTimerDelay()),
		scheduler.WithEvents(events),
		scheduler.WithLogger(logger.With().Str("component", "scheduler").Logger()),
	)

	m := metrics.New(orch)
	feed := m.Subscribe(events)

	handlers := map[string]worker.Handler{
		"shell": shell.Shell{Dir: cfg.Workers.ShellDir},
		"http":  httphandler.HTTP{},
	}
	pool := worker.NewPool(orch, handlers, cfg.Workers.Size, worker.WithLogger(logger.With().Str("component", "pool").Logger()))
	for _, lw := range cfg.Workers.Local {
		if err := pool.Add(worker.Local{Worker: lw.Worker(), Timeout: lw.HandlerTimeout()}); err != nil {
			log.Fatal().Err(err).Msg("add local worker")
		}
	}

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewServer(api.Deps{
			Orchestrator: orch,
			Bus:          msgBus,
			Scheduler:    sched,
			Metrics:      m.Handler(),
			Logger:       &logger,
			Debug:        *debug,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		feed.Run(gctx)
		return nil
	})
	g.Go(func() error {
		pool.Run(gctx)
		return nil
	})
	if err := sched.Start(gctx); err != nil {
		log.Fatal().Err(err).Msg("start scheduler")
	}
	g.Go(func() error {
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("exited with error")
		closeStore()
		os.Exit(1)
	}
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// openStore returns the schedule store for path. ":memory:" keeps schedules
// in process memory and loses them on exit.
func openStore(path string) (scheduler.Store, func(), error) {
	if path == ":memory:" {
		return memory.New(), func() {}, nil
	}
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("path", path).Msg("schedule store opened")
	return sqlite.New(db), func() { _ = db.Close() }, nil
}
