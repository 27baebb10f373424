package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"memtriage/internal/anomaly"
	"memtriage/internal/api"
	"memtriage/internal/config"
	"memtriage/internal/engine"
	"memtriage/internal/facade"
	"memtriage/internal/ingest"
	"memtriage/internal/orchestrator"
	"memtriage/internal/store"
	"memtriage/internal/timeline"
	"memtriage/pkg/bus"
	"memtriage/pkg/db"
	"memtriage/pkg/s3"
	"memtriage/pkg/telemetry"
)

func main() {
	if err := run("memtriaged"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()
	logger := tel.Logger

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DB.DSN == "" {
		return errors.New("MEMTRIAGE_DB_DSN is required")
	}

	pool, err := db.Open(ctx, cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	orm, err := db.OpenGorm(cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("open orm: %w", err)
	}
	st, err := store.NewPostgres(orm)
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}

	var events orchestrator.Publisher
	if cfg.NATS.URL != "" {
		b, err := bus.New(cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer b.Close()
		events = b
		logger.Printf("INFO publishing job events to %s", cfg.NATS.URL)
	}

	ingestor := &ingest.Ingestor{WorkDir: cfg.Store.WorkDir, Logger: logger}
	if os.Getenv("S3_ENDPOINT") != "" {
		fetcher, err := s3.NewClientFromEnv()
		if err != nil {
			return fmt.Errorf("configure s3: %w", err)
		}
		ingestor.Fetcher = fetcher
	}

	runner, err := engine.NewExecRunner(cfg.Engine.Binary, cfg.Engine.Version, cfg.Engine.Timeout, logger)
	if err != nil {
		return fmt.Errorf("create engine runner: %w", err)
	}

	orch, err := orchestrator.New(st, runner, events, logger, orchestrator.Config{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		RetryAttempts: cfg.Jobs.RetryAttempts,
		RetryBase:     cfg.Jobs.RetryBase,
		EngineTimeout: cfg.Engine.Timeout,
	})
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	policy, err := anomaly.LoadPolicy(cfg.Store.PolicyPath)
	if err != nil {
		return fmt.Errorf("load anomaly policy: %w", err)
	}

	fac, err := facade.New(st, ingestor, orch, runner,
		anomaly.New(st, policy),
		timeline.NewBuilder(st),
		logger,
		facade.Config{
			MaxRunning: cfg.Jobs.MaxRunning,
			QueueWait:  cfg.Jobs.QueueWait,
			Quota:      cfg.Store.QuotaBytes,
		})
	if err != nil {
		return fmt.Errorf("create facade: %w", err)
	}

	apiLayer, err := api.New(fac, func(ctx context.Context) (db.Stats, error) {
		return db.LoadStats(ctx, pool)
	})
	if err != nil {
		return fmt.Errorf("create api: %w", err)
	}
	routes, err := apiLayer.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	errCh := make(chan error, 2)

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics: %w", err)
		}
	}()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: tel.Middleware(routes),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: http shutdown error: %v\n", serviceName, err)
		}
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Printf("INFO http listening on %s, metrics on %s", server.Addr, metricsServer.Addr)

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}
