package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dev.helix.bus/internal/audit"
	"dev.helix.bus/internal/broker"
	"dev.helix.bus/internal/config"
	"dev.helix.bus/internal/handlers"
	"dev.helix.bus/internal/observability/metrics"
	"dev.helix.bus/internal/persistence/redisstore"
	"dev.helix.bus/internal/ratelimit"
)

var (
	configFile = flag.String("config", "", "Path to configuration file (YAML)")
	version    = flag.Bool("version", false, "Show version information")
)

const buildVersion = "1.0.0"

func main() {
	flag.Parse()
	if *version {
		fmt.Printf("helixbus %s\n", buildVersion)
		return
	}

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("helixbus exited with error")
	}
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	collector := metrics.NewCollector()
	auditLog := audit.NewLogSink(logger)
	auditMem := audit.NewMemorySink(0)

	opts := broker.Options{
		Quotas:              cfg.Broker.Quotas,
		MaxMessageSizeBytes: cfg.Broker.MaxMessageSizeBytes,
		Logger:              logger,
		Audit:               audit.Tee{auditLog, auditMem},
		Metrics:             collector,
	}
	if cfg.RateLimit.Enabled {
		opts.RateLimiter = ratelimit.New(cfg.RateLimit.RatePerSecond, cfg.RateLimit.Burst)
	}

	var store *redisstore.Store
	if cfg.Redis.Enabled {
		var err error
		store, err = redisstore.New(redisstore.Options{
			Addr:      cfg.Redis.Addr(),
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Timeout:   cfg.Redis.Timeout,
		})
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer store.Close()
		opts.Persistence = store
		logger.WithField("addr", cfg.Redis.Addr()).Info("redis persistence enabled")
	}

	b, err := broker.New(opts)
	if err != nil {
		return fmt.Errorf("starting broker: %w", err)
	}

	router := handlers.NewRouter(handlers.RouterOptions{
		Broker:      b,
		Logger:      logger,
		Metrics:     collector.Handler(),
		MetricsPath: cfg.Server.MetricsPath,
		Audit:       auditMem,
		Mode:        cfg.Server.Mode,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	zapLogger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building maintenance logger: %w", err)
	}
	defer func() { _ = zapLogger.Sync() }()
	maintainer := broker.NewMaintainer(b, zapLogger, cfg.Broker.MaintenanceInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", srv.Addr).Info("helixbus listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := maintainer.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		maintainer.Stop()
		return nil
	})

	if store != nil && cfg.Broker.SnapshotInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.Broker.SnapshotInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					// Final snapshot on the way out.
					if err := b.SaveSnapshot(); err != nil {
						logger.WithError(err).Warn("final snapshot failed")
					}
					return nil
				case <-ticker.C:
					if err := b.SaveSnapshot(); err != nil {
						logger.WithError(err).Warn("periodic snapshot failed")
					}
				}
			}
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}
