// Package app wires configuration, infrastructure, and the queue engine
// into a running TQS server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tqs-project/tqs/internal/auth"
	"github.com/tqs-project/tqs/internal/config"
	"github.com/tqs-project/tqs/internal/httpserver"
	"github.com/tqs-project/tqs/internal/platform"
	"github.com/tqs-project/tqs/internal/telemetry"
	"github.com/tqs-project/tqs/pkg/queue"

	"github.com/juju/clock"
)

// Run reads config, connects to infrastructure, and serves the TQS HTTP
// API until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting tqs", "listen", cfg.ListenAddr())

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = platform.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error("closing redis", "error", err)
			}
		}()
		logger.Info("redis connected, auth rate limiting enabled")
	} else {
		logger.Info("redis not configured, auth rate limiting disabled")
	}

	metricsReg := telemetry.NewRegistry(telemetry.All()...)

	authMiddleware, err := buildAuthMiddleware(cfg, rdb)
	if err != nil {
		return fmt.Errorf("configuring authentication: %w", err)
	}

	srv := httpserver.NewServer(cfg, logger, pool, rdb, metricsReg, authMiddleware)

	clk := clock.WallClock
	engine := queue.NewEngine(queue.PoolTxRunner{Pool: pool}, clk, cfg.PollInterval)
	handler := queue.NewHandler(engine, logger)
	srv.APIRouter.Mount("/", handler.Routes())

	bg, cancelBg := context.WithCancel(ctx)
	defer cancelBg()

	leaseSweeper := queue.NewLeaseSweeper(queue.PoolTxRunner{Pool: pool}, clk, cfg.LeaseSweepInterval, logger)
	messageSweeper := queue.NewMessageSweeper(queue.PoolTxRunner{Pool: pool}, clk, cfg.MessageSweepInterval, logger)
	statsReporter := queue.NewStatsReporter(queue.PoolTxRunner{Pool: pool}, clk, cfg.LeaseSweepInterval, logger)

	go leaseSweeper.Run(bg)
	go messageSweeper.Run(bg)
	go statsReporter.Run(bg)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 65 * time.Second, // exceeds the 60s max wait_time
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildAuthMiddleware returns auth.NoAuth when no API token is configured,
// otherwise an Authenticator middleware optionally backed by rdb for
// failed-attempt rate limiting.
func buildAuthMiddleware(cfg *config.Config, rdb *redis.Client) (func(http.Handler) http.Handler, error) {
	if cfg.APIToken == "" {
		return auth.NoAuth, nil
	}

	var limiter *auth.RateLimiter
	if rdb != nil {
		limiter = auth.NewRateLimiter(rdb, cfg.AuthRateLimitAttempts, cfg.AuthRateLimitWindow)
	}

	authenticator, err := auth.New(cfg.APIToken, limiter)
	if err != nil {
		return nil, err
	}
	return authenticator.Middleware, nil
}
