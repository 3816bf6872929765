package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/reelcomposer/internal/api"
	"github.com/bobarin/reelcomposer/internal/app"
	"github.com/bobarin/reelcomposer/internal/config"
	"github.com/bobarin/reelcomposer/internal/db"
	"github.com/bobarin/reelcomposer/internal/metrics"
	"github.com/bobarin/reelcomposer/internal/queue"
	"github.com/bobarin/reelcomposer/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	log := app.NewLogger(cfg.LogLevel)
	log.Info().Str("version", version).Msg("reelcomposer api starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Job record mirror
	var store worker.JobStore
	switch cfg.JobStore {
	case config.StoreRedis:
		// Keys outlive the retention window so the sweeper, not Redis expiry, decides eviction
		rs, err := queue.New(cfg.RedisURL, 2*cfg.JobRetention)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rs.Close()
		store = rs
		log.Info().Msg("job records mirrored to redis")

	case config.StorePostgres:
		database, err := db.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer database.Close()
		if n, err := database.PurgeOlderThan(ctx, time.Now().Add(-2*cfg.JobRetention)); err != nil {
			log.Warn().Err(err).Msg("failed to purge old job records")
		} else if n > 0 {
			log.Info().Int64("purged", n).Msg("purged old job records")
		}
		store = database
		log.Info().Msg("job records mirrored to postgres")

	default:
		log.Info().Msg("job records kept in memory only")
	}

	renderer, err := app.NewPipeline(ctx, cfg, false, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build render pipeline")
	}

	orch := worker.New(worker.Options{
		Renderer:          renderer,
		Store:             store,
		WorkDir:           cfg.WorkDir,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		Retention:         cfg.JobRetention,
		EvictionInterval:  cfg.EvictionInterval,
		Log:               log,
	})
	if err := orch.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start orchestrator")
	}
	prometheus.MustRegister(metrics.NewCollector(orch))

	router := api.NewRouter(api.NewHandler(orch), api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
		Log:                log.With().Str("component", "http").Logger(),
	})

	if cfg.BackendAPIKey != "" {
		log.Info().Msg("API key authentication enabled")
	} else {
		log.Warn().Msg("no BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("orchestrator shutdown error")
	}

	log.Info().Msg("reelcomposer api stopped")
}
