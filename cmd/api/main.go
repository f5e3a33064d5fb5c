package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/finance-warehouse/internal/api/handlers"
	"github.com/dvloznov/finance-warehouse/internal/api/middleware"
	"github.com/dvloznov/finance-warehouse/internal/app"
	"github.com/dvloznov/finance-warehouse/internal/config"
	"github.com/dvloznov/finance-warehouse/internal/logger"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to the config file")
		envFile    = flag.String("env", ".env", "Path to an optional .env file")
		port       = flag.String("port", "", "HTTP server port (overrides api.port)")
	)
	flag.Parse()

	log := logger.New()

	cfg, err := config.Load(config.Options{ConfigFile: *configFile, EnvFile: *envFile})
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	configured, err := logger.NewWithOptions(cfg.LoggerOptions())
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid logger configuration")
	}
	log = configured

	if *port != "" {
		cfg.API.Port = *port
	}
	if cfg.API.Token == "" {
		log.Warn().Msg("No api.token configured - /api/ routes are unauthenticated")
	}

	ctx := logger.WithContext(context.Background(), log)

	a, err := app.New(ctx, cfg, app.ModeLoad)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.Close()

	background, err := a.NewJobs()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create job queue")
	}

	// Start worker in background to process jobs
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	log.Info().Msg("Starting job worker")
	if err := background.Start(workerCtx, a.Runner.JobHandler()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job worker")
	}

	mux := handlers.NewRouter(handlers.RouterDeps{
		Runs:      a.Warehouse,
		Publisher: background.Queue,
		Jobs:      background.Store,
		Metrics:   a.Metrics.Handler(),
		Log:       log,
	})

	handler := middleware.Recovery(log)(
		middleware.Logger(log)(
			middleware.RequestID(
				middleware.CORS(
					middleware.Auth(cfg.API.Token)(mux),
				),
			),
		),
	)

	server := &http.Server{
		Addr:         ":" + cfg.API.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.API.Port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Queued loads are abandoned; the in-flight one is cancelled and marked failed.
	cancelWorker()

	if err := background.Shutdown(30 * time.Second); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}

	log.Info().Msg("Server exited")
}
