package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/couchcryptid/pgwatch/internal/api"
	"github.com/couchcryptid/pgwatch/internal/config"
	"github.com/couchcryptid/pgwatch/internal/database"
	"github.com/couchcryptid/pgwatch/internal/kafka"
	"github.com/couchcryptid/pgwatch/internal/observability"
	"golang.org/x/sync/errgroup"
)

// maxInFlight caps concurrent HTTP requests.
const maxInFlight = 32

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Database
	pool, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Error("create connection pool", "error", err)
		os.Exit(1) //nolint:gocritic // startup exits before meaningful defers
	}

	manager := database.NewManager(pool, logger, metrics,
		database.WithHealthInterval(cfg.HealthCheckInterval),
		database.WithReconnectDelay(cfg.ReconnectDelay),
		database.WithProbeTimeout(cfg.Database.ConnectTimeout),
	)
	logger.Info("database configured", "tls", cfg.Database.TLS.Enabled, "verify", cfg.Database.TLS.Verify)
	if err := manager.Connect(ctx); err != nil {
		logger.Warn("initial database connection failed, health monitor will keep retrying", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// DB pool stats collector
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				stat := manager.PoolStats()
				metrics.DBPoolConnections.WithLabelValues("idle").Set(float64(stat.Idle))
				metrics.DBPoolConnections.WithLabelValues("active").Set(float64(stat.Acquired))
				metrics.DBPoolConnections.WithLabelValues("total").Set(float64(stat.Total))
			}
		}
	})

	// Kafka connectivity events. The publisher outlives gctx so the final
	// shutdown notification can still be flushed.
	pubCtx, pubCancel := context.WithCancel(context.Background())
	defer pubCancel()
	var publisher *kafka.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher = kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.Database.Host, cfg.Database.Database, metrics, logger)
		manager.OnConnectionChange(publisher.Listen)
		g.Go(func() error {
			return publisher.Run(pubCtx)
		})
	} else {
		logger.Info("kafka publishing disabled, KAFKA_BROKERS is empty")
	}

	// HTTP server
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           http.TimeoutHandler(api.NewRouter(manager, metrics, maxInFlight), 25*time.Second, `{"error":"request timeout"}`),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g.Go(func() error {
		logger.Info("server started", "port", cfg.Port)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", "error", err)
		}
		manager.Shutdown()
		pubCancel()
		return nil
	})

	runErr := g.Wait()

	if publisher != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		publisher.Drain(drainCtx)
		drainCancel()
		if err := publisher.Close(); err != nil {
			logger.Error("kafka publisher close", "error", err)
		}
	}

	if runErr != nil {
		logger.Error("server error", "error", runErr)
		os.Exit(1) //nolint:gocritic // publisher already cancelled and drained
	}
	logger.Info("shutdown complete")
}
