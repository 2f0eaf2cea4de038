package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"exec-gateway/internal/config"
	"exec-gateway/internal/monitor"
	"exec-gateway/internal/runtime"
	"exec-gateway/internal/worker"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.With().Str("component", "worker").Logger()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	cfg := config.DefaultConfig()
	if _, statErr := os.Stat(configPath); statErr == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
		cfg = loaded
	} else {
		cfg.ApplyEnv(os.Getenv)
	}
	if lvl, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	if cfg.Worker.APIKey == "" {
		log.Warn().Msg("worker.api_key is empty, /execute accepts unauthenticated requests")
	}

	registry := runtime.NewRegistry()
	w := worker.New(cfg.WorkerAddress(), worker.Config{
		APIKey:        cfg.Worker.APIKey,
		MaxConcurrent: cfg.Worker.MaxConcurrent,
		MaxTimeout:    cfg.Worker.MaxTimeout,
		MaxBodyBytes:  cfg.Server.MaxRequestBody,
	}, registry, monitor.NewWorkerMetrics())

	if err := w.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start worker")
	}
	log.Info().Strs("languages", registry.Languages()).Msg("worker ready")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := w.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("worker shutdown error")
	}
	log.Info().Msg("worker stopped")
}
