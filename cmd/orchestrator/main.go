// Command orchestrator runs the browser-automation orchestrator: it loads
// the YAML topology, opens the SQLite job store, wires the upstream client
// pool and the solve engine, and serves the HTTP API until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/browserfarm/orchestrator/internal/chats"
	"github.com/browserfarm/orchestrator/internal/config"
	"github.com/browserfarm/orchestrator/internal/containers"
	"github.com/browserfarm/orchestrator/internal/engine"
	httpapi "github.com/browserfarm/orchestrator/internal/http"
	"github.com/browserfarm/orchestrator/internal/observability"
	"github.com/browserfarm/orchestrator/internal/profiles"
	"github.com/browserfarm/orchestrator/internal/prompts"
	"github.com/browserfarm/orchestrator/internal/repo"
	"github.com/browserfarm/orchestrator/internal/sysutil"
	"github.com/browserfarm/orchestrator/internal/upstream"
)

// shutdownGrace bounds how long in-flight solves may finish on shutdown.
// Solves wait on live browser interactions, so this is deliberately long.
const shutdownGrace = 30 * time.Second

func main() {
	// Best-effort .env for local development; real deployments set env.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	version := sysutil.FirstNonEmpty(os.Getenv("VERSION"), "dev")
	otelShutdown, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	app, err := config.LoadApp(cfg.ConfigPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.ConfigPath).Msg("topology config load failed")
	}

	db, err := repo.OpenSQLite(cfg.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.SQLitePath).Msg("sqlite open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("sqlite migrate failed")
	}

	profileMgr := profiles.NewManager(db)
	if err := profileMgr.SeedFromConfig(ctx, app); err != nil {
		log.Fatal().Err(err).Msg("profile seed failed")
	}

	// Per-container request/response JSONL logging, when enabled.
	var exchangeLog upstream.ExchangeLogger
	var fileLog *upstream.FileExchangeLogger
	if app.ContainerIOLog.Enabled {
		fileLog = upstream.NewFileExchangeLogger(upstream.FileLogConfig{
			Dir:           app.ContainerIOLog.Dir,
			MaxBytes:      app.ContainerIOLog.MaxBytes,
			BackupCount:   app.ContainerIOLog.BackupCount,
			IncludeBodies: app.ContainerIOLog.IncludeBodies,
			RedactSecrets: app.ContainerIOLog.RedactSecrets,
			MaxFieldChars: app.ContainerIOLog.MaxFieldChars,
		})
		exchangeLog = fileLog
	}
	log.Info().
		Bool("enabled", app.ContainerIOLog.Enabled).
		Str("dir", app.ContainerIOLog.Dir).
		Bool("include_bodies", app.ContainerIOLog.IncludeBodies).
		Msg("container io log")

	pool, err := upstream.NewPool(app.Containers, exchangeLog)
	if err != nil {
		log.Fatal().Err(err).Msg("upstream pool init failed")
	}

	locks := profiles.NewProfileLock()
	promptReg := prompts.NewRegistry(app.Prompts)
	selector := containers.NewSelector(db, containers.AdaptPool(pool))
	statusCol := containers.NewStatusCollector(db, containers.AdaptPool(pool))
	chatMgr := chats.NewManager(db, app.ServiceRootURL)

	executor := engine.NewExecutor(
		db, profileMgr, locks, promptReg, selector, chatMgr,
		engine.AdaptPool(pool), app.SocksOverrideAllowed(),
	)

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		DB:     db,
		Solver: executor,
		Status: statusCol,
		Locks:  locks,
		Pool:   pool,
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Int("containers", len(app.Containers)).
			Int("profiles", len(app.Profiles)).
			Strs("prompts", promptReg.IDs()).
			Msg("orchestrator listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if fileLog != nil {
		if err := fileLog.Close(); err != nil {
			log.Error().Err(err).Msg("io log close failed")
		}
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("otel shutdown failed")
	}
	log.Info().Msg("orchestrator stopped")
}
