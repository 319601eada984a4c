// Command rendezvousd runs the reference Rendezvous server: the full HTTP
// endpoint table backed by PostgreSQL and Redis, plus the push-channel hub.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/rendezvous-labs/rendezvous/internal/config"
	"github.com/rendezvous-labs/rendezvous/internal/observability"
	"github.com/rendezvous-labs/rendezvous/internal/push"
	"github.com/rendezvous-labs/rendezvous/internal/server"
	"github.com/rendezvous-labs/rendezvous/internal/store/postgres"
	rdstore "github.com/rendezvous-labs/rendezvous/internal/store/redis"
	"github.com/rendezvous-labs/rendezvous/pkg/version"
)

func main() {
	cfg, err := config.Load("config.json")
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	loggerCfg := observability.LoggerConfig{
		Level:      cfg.GetLogLevel(),
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
		Caller:     cfg.Logging.EnableCaller,
		Stack:      cfg.Logging.EnableStack,
		Service:    "rendezvousd",
		Version:    version.Version,
	}
	logger := observability.NewLogger(loggerCfg)

	logger.Info().
		Str("version", version.Version).
		Str("git_commit", version.GitCommit).
		Str("platform", version.Platform).
		Msg("starting rendezvous server")

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker(logger, version.Version)

	var pgDB *postgres.DB
	const maxRetries = 5
	for attempt := 1; attempt <= maxRetries; attempt++ {
		pgDB, err = postgres.New(cfg.Database.Postgres, logger)
		if err == nil {
			break
		}
		if attempt == maxRetries {
			logger.Fatal().Err(err).Int("attempts", maxRetries).Msg("postgresql unavailable after retries — cannot start without database")
		}
		wait := time.Duration(attempt) * 2 * time.Second
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("postgresql unavailable — retrying")
		time.Sleep(wait)
	}

	migrator := postgres.NewMigrator(pgDB, logger)
	if err := migrator.Run(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("failed to run postgresql migrations")
	}
	health.RegisterCheck("postgresql", observability.DatabaseHealthCheck(pgDB.Ping))
	repo := postgres.NewRepository(pgDB)

	var pins *rdstore.PinStore
	var redisClient *rdstore.Client
	if cfg.Cache.Redis.Enabled {
		redisClient, err = rdstore.New(cfg.Cache.Redis, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis unavailable — pin store requires redis")
		}
		health.RegisterCheck("redis", observability.RedisHealthCheck(redisClient.Ping))
		pins = rdstore.NewPinStore(redisClient, logger)
	} else {
		logger.Fatal().Msg("redis is disabled but is required for the registration pin store")
	}

	bootstrapAdminToken(context.Background(), repo, cfg.Server.Admin.BootstrapToken, logger)

	hub := push.NewHub(logger)

	srv := server.New(cfg.Server, repo, pins, hub, health, metrics, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	logger.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).Msg("rendezvous server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error, initiating shutdown")
	}

	logger.Info().Dur("timeout", cfg.Server.ShutdownTimeout).Msg("starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("redis close error")
		}
	}
	if pgDB != nil {
		pgDB.Close()
	}

	logger.Info().Msg("rendezvous server shut down successfully")
}

// bootstrapAdminToken seeds the configured admin token into a brand new
// database: once any token has ever been issued, admin/renew
// owns rotation and the configured value is ignored.
func bootstrapAdminToken(ctx context.Context, repo *postgres.Repository, token string, logger zerolog.Logger) {
	if token == "" {
		return
	}
	count, err := repo.AdminTokenCount(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to check admin token bootstrap state")
		return
	}
	if count > 0 {
		return
	}
	if err := repo.IssueAdminToken(ctx, []byte(token)); err != nil {
		logger.Error().Err(err).Msg("failed to seed bootstrap admin token")
		return
	}
	logger.Info().Msg("seeded admin token from configuration")
}
