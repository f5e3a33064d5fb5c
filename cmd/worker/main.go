package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/finance-warehouse/internal/app"
	"github.com/dvloznov/finance-warehouse/internal/config"
	"github.com/dvloznov/finance-warehouse/internal/jobs"
	"github.com/dvloznov/finance-warehouse/internal/logger"
	"github.com/dvloznov/finance-warehouse/internal/pipeline"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to the config file")
		envFile     = flag.String("env", ".env", "Path to an optional .env file")
		metricsAddr = flag.String("metrics-addr", "", "Serve /metrics on this address (e.g. :9102); empty disables it")
		runNow      = flag.Bool("run-now", false, "Enqueue one load immediately after startup")
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

	ctx, cancel := context.WithCancel(logger.WithContext(context.Background(), log))
	defer cancel()

	a, err := app.New(ctx, cfg, app.ModeLoad)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize")
	}
	defer a.Close()

	background, err := a.NewJobs()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create job queue")
	}

	log.Info().
		Str("raw_uri", cfg.Raw.URI).
		Str("dataset", cfg.Warehouse.Dataset).
		Dur("interval", cfg.Schedule.Interval).
		Int("workers", cfg.Jobs.Workers).
		Msg("Starting worker service")

	if err := background.Start(ctx, a.Runner.JobHandler()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job consumer")
	}

	if *runNow {
		job := &jobs.LoadJob{Trigger: pipeline.TriggerManual}
		if err := background.Queue.PublishLoad(ctx, job); err != nil {
			log.Error().Err(err).Msg("Failed to enqueue startup load")
		} else {
			log.Info().Str("job_id", job.JobID).Msg("Startup load enqueued")
		}
	}

	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.Metrics.Handler())
		metricsServer = &http.Server{
			Addr:              *metricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", *metricsAddr).Msg("Serving metrics")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	if cfg.Schedule.Interval <= 0 && !*runNow {
		log.Warn().Msg("No schedule.interval configured and -run-now not set; the worker will stay idle")
	}
	log.Info().Msg("Worker service started, waiting for jobs...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker service...")

	cancel()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Metrics server forced to shutdown")
		}
		shutdownCancel()
	}

	if err := background.Shutdown(30 * time.Second); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}

	log.Info().Msg("Worker service exited")
}
