package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"salessync/auth"
	"salessync/catalog"
	"salessync/commission"
	"salessync/config"
	"salessync/db"
	"salessync/httpapi"
	"salessync/lock"
	"salessync/order"
	"salessync/stock"
	"salessync/telemetry"
	"salessync/visit"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := config.NewLogger(cfg.LogLevel, os.Stdout)

	if err := run(ctx, cfg, logger); err != nil {
		config.LogError(logger, "main", "run", "server exited", nil, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).Warn("flush traces")
		}
	}()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.PoolOptions())
	if err != nil {
		return err
	}
	defer pool.Close()

	rdb, err := config.NewRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	} else {
		logger.Warn("REDIS_ADDRESS not set: idempotency locks and catalog cache disabled")
	}

	tokens, err := auth.NewService(cfg.JWTSecret)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           buildServer(cfg, pool, rdb, tokens, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("salessync api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// buildServer wires the workflow services over the pool. A nil Redis client
// leaves locking to the unique indexes and reads the catalog uncached.
func buildServer(cfg config.Config, pool db.Pool, rdb *redis.Client, tokens httpapi.TokenVerifier, logger logrus.FieldLogger) *httpapi.Server {
	var locker lock.Locker = lock.Noop{}
	if rdb != nil {
		locker = lock.NewRedisLocker(rdb, cfg.LockTTL, logger)
	}
	cat := catalog.NewCached(catalog.NewRepository(pool), rdb, cfg.CatalogCacheTTL, logger)

	commissions := commission.NewService(pool, nil, commission.NewDefaultRegistry(cat), locker, nil, logger)
	orders := order.NewService(pool, nil, stock.NewLedger(), commissions, locker, nil, logger).
		WithCurrency(cfg.DefaultCurrency)
	visits := visit.NewService(pool, nil, cat, commissions, locker, nil, logger).
		WithCurrency(cfg.DefaultCurrency)

	return httpapi.NewServer(httpapi.Options{
		Orders:      orders,
		Visits:      visits,
		Commissions: commissions,
		Tokens:      tokens,
		Logger:      logger,
		CORSOrigins: cfg.CORSOrigins,
	})
}
