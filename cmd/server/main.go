package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"exec-gateway/internal/api"
	"exec-gateway/internal/config"
	"exec-gateway/internal/dispatch"
	"exec-gateway/internal/gateway"
	"exec-gateway/internal/ledger"
	"exec-gateway/internal/monitor"
	"exec-gateway/internal/pricing"
	"exec-gateway/internal/scanner"
	"exec-gateway/internal/session"
	"exec-gateway/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	cfg := loadConfig()
	if err := cfg.ValidateGateway(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := monitor.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracing")
	}

	metrics := monitor.NewMetrics()

	// Database is optional; without a DSN records live in memory.
	var (
		execStore    storage.ExecutionStore
		sessionStore storage.SessionStore
		health       api.HealthChecker
	)
	if cfg.Database.DSN != "" {
		db, err := storage.New(ctx, cfg.Database.DSN, storage.PoolOptions{
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate database")
		}
		execStore, sessionStore, health = db, db, db
	} else {
		log.Warn().Msg("no database configured, execution records and sessions are kept in memory")
		mem := storage.NewMemory()
		execStore, sessionStore = mem, mem
	}

	limiter, sweep, closeLimiter, err := newLimiter(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create rate limiter")
	}
	defer closeLimiter()

	table := tierTable(cfg.Tiers)
	tiers := pricing.NewEngine(table, pricing.Defaults{
		Timeout:     cfg.Gateway.DefaultTimeout,
		MemoryBytes: cfg.Gateway.DefaultMemoryMB * pricing.MiB,
	})
	for client, name := range cfg.Tiers.Assignments {
		tier, _ := pricing.ParseTier(name) // validated by config
		if err := tiers.Assign(client, tier); err != nil {
			log.Fatal().Err(err).Str("client_id", client).Msg("invalid tier assignment")
		}
	}

	sessions := session.NewManager(sessionStore, session.Limits{
		MaxFiles:        cfg.Sessions.MaxFiles,
		MaxStorageBytes: cfg.Sessions.MaxStorageBytes,
		DefaultTTL:      cfg.Sessions.DefaultTTL,
	})

	if cfg.Worker.APIKey == "" {
		log.Warn().Msg("worker.api_key is empty, dispatching without a bearer token")
	}
	gw, err := gateway.New(gateway.Deps{
		Scanner:      scanner.New(),
		Limiter:      limiter,
		Tiers:        tiers,
		Billing:      pricing.NewCalculator(table),
		Dispatcher:   dispatch.NewHTTPDispatcher(cfg.Worker.URL, cfg.Worker.APIKey, cfg.Gateway.DispatchGrace, nil),
		Ledger:       ledger.New(execStore),
		Sessions:     sessions,
		Metrics:      metrics,
		Tracer:       monitor.NewTracer(),
		Environment:  cfg.Gateway.Environment,
		MaxCodeBytes: cfg.Gateway.MaxCodeBytes,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create gateway")
	}

	server := api.NewServer(cfg, gw, health, metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sessions.Run(gctx, cfg.Sessions.CleanupInterval, func(n int) {
			metrics.SessionsCleaned.Add(float64(n))
		})
		return nil
	})
	if sweep != nil {
		g.Go(func() error {
			sweep.Run(gctx, cfg.RateLimit.Window)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("tracer shutdown error")
		}
		return nil
	})

	log.Info().
		Str("addr", cfg.Address()).
		Str("worker", cfg.Worker.URL).
		Str("rate_limit_backend", cfg.RateLimit.Backend).
		Bool("db_enabled", health != nil).
		Msg("gateway starting")

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
	log.Info().Msg("server stopped")
}

func loadConfig() *config.Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err := config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
		return cfg
	}

	log.Info().Str("path", configPath).Msg("no config file found, using defaults")
	cfg := config.DefaultConfig()
	cfg.ApplyEnv(os.Getenv)
	return cfg
}
