// Package main is the entry point for the application broker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"appbroker/internal/api"
	"appbroker/internal/api/middleware"
	"appbroker/internal/auth"
	"appbroker/internal/config"
	"appbroker/internal/driver"
	"appbroker/internal/logger"
	"appbroker/internal/observability"
	"appbroker/internal/store"
	"appbroker/internal/store/etcd"
	"appbroker/internal/store/memory"
	"appbroker/internal/store/postgres"
	"appbroker/internal/store/sqlite"
)

const serviceName = "appbroker"

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting (postgres only)")
	configPath := flag.String("config", "", "Path to config file (default: broker.yaml in current directory)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, *migrateFlag, zl); err != nil {
		zl.Fatal("broker stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, migrate bool, zl *zap.Logger) error {
	ctx := context.Background()

	if cfg.OTELEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, serviceName, cfg.OTELEndpoint)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				zl.Warn("Failed to shutdown tracer", zap.Error(err))
			}
		}()
	}

	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			zl.Warn("Failed to shutdown metrics", zap.Error(err))
		}
	}()

	meter := otel.Meter(serviceName)
	metrics, err := observability.NewBrokerMetrics(meter)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	st, err := openStore(ctx, cfg, migrate || cfg.Persistence.Migrate, zl)
	if err != nil {
		return err
	}
	defer st.Close()

	var signer *auth.CallbackSigner
	if cfg.CallbackSecret != "" {
		signer = auth.NewCallbackSigner(cfg.CallbackSecret)
	}

	registry, closeBackends, err := buildRegistry(cfg, st, metrics, signer, zl)
	if err != nil {
		return err
	}
	defer closeBackends()

	drv := driver.New(registry, st, driver.Options{Logger: zl, Metrics: metrics})

	// Counts come from the store only when scraped.
	if err := observability.RegisterStateGauge(meter, drv.CountByState); err != nil {
		zl.Warn("Failed to register application state gauge", zap.Error(err))
	}

	resumed, err := drv.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover applications: %w", err)
	}
	zl.Info("recovered unfinished applications", zap.Int("count", resumed))

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := api.New(addr, api.Deps{
		Broker:   drv,
		Logger:   zl,
		Signer:   signer,
		Limiter:  middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		APIToken: cfg.APIToken,
		Metrics:  metricsHandler,
	})

	serverErr := make(chan error, 1)
	go func() {
		zl.Info("Broker starting", zap.String("addr", addr), zap.Strings("plugins", cfg.Plugins))
		serverErr <- srv.Run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("Server stopped", zap.Error(err))
		}
	}

	zl.Info("Shutting down broker...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("Server forced to shutdown", zap.Error(err))
	}
	// Lifecycles are cancelled, not finished; backend resources stay for the
	// next Recover.
	if err := drv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("Lifecycles did not stop in time", zap.Error(err))
	}
	zl.Info("Broker exited properly")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, migrate bool, zl *zap.Logger) (store.Store, error) {
	p := cfg.Persistence
	switch p.Driver {
	case "memory":
		zl.Warn("using in-memory persistence; records are lost on restart")
		return memory.New(), nil
	case "sqlite":
		st, err := sqlite.Open(ctx, p.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return st, nil
	case "etcd":
		st, err := etcd.Dial(etcd.Config{
			Endpoints:   p.EtcdEndpoints,
			Username:    p.EtcdUsername,
			Password:    p.EtcdPassword,
			DialTimeout: p.DialTimeout,
			Prefix:      p.EtcdPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to etcd: %w", err)
		}
		return st, nil
	case "postgres":
		st, err := postgres.New(ctx, p.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to DB: %w", err)
		}
		if migrate {
			zl.Info("Running database migrations...")
			if err := postgres.Migrate(st.DB()); err != nil {
				st.Close()
				return nil, fmt.Errorf("migration failed: %w", err)
			}
			zl.Info("Migrations completed successfully")
		}
		return st, nil
	}
	return nil, fmt.Errorf("unknown persistence driver %q", p.Driver)
}
