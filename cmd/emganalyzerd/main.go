package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ghostlyplus/emganalyzer/internal/applog"
	"github.com/ghostlyplus/emganalyzer/internal/breakers"
	"github.com/ghostlyplus/emganalyzer/internal/cache"
	"github.com/ghostlyplus/emganalyzer/internal/config"
	"github.com/ghostlyplus/emganalyzer/internal/contraction"
	"github.com/ghostlyplus/emganalyzer/internal/db"
	"github.com/ghostlyplus/emganalyzer/internal/httpserver"
	"github.com/ghostlyplus/emganalyzer/internal/objectstore"
	"github.com/ghostlyplus/emganalyzer/internal/session"
	"github.com/ghostlyplus/emganalyzer/internal/signal"
	"github.com/ghostlyplus/emganalyzer/internal/webhook"
	"github.com/ghostlyplus/emganalyzer/internal/worker"
)

const (
	appName = "emganalyzerd"
	version = "v1.0.0"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "EMG/C3D ingestion and clinical-scoring pipeline daemon",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(healthcheckCmd())
	rootCmd.AddCommand(migrateCheckCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook ingestion HTTP server and background worker pool",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	applog.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	applog.Logger.Info().Str("version", version).Msg("starting emganalyzerd")

	dbManager, err := db.NewManager(db.Config{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		QueryTimeout:    cfg.Database.QueryTimeout,
	})
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer dbManager.Close()

	durable := cache.NewPostgresDurableStore(dbManager.Repository().Sessions, dbManager.Repository().CacheStats)
	cacheLayer := cache.New(cache.Config{
		FastTTL:           time.Duration(cfg.Cache.FastTTLSeconds) * time.Second,
		ProcessingVersion: cfg.Cache.ProcessingVersion,
		RedisAddr:         cfg.Cache.RedisAddr,
		RedisDB:           cfg.Cache.RedisDB,
	}, durable)
	defer cacheLayer.Close()

	brk := breakers.NewManager(breakers.DefaultRetryPolicy())

	workerCount := cfg.Server.WorkerCount
	pool := worker.New(workerCount, cfg.Server.QueueDepth, 0)
	pool.Start()
	defer pool.Stop()

	store := objectstore.NewHTTPStore(cfg.Storage.BaseURL, cfg.Storage.ServiceKey, cfg.Storage.Timeout)

	signalParams := signal.DefaultParams()
	signalParams.HighpassCutoffHz = cfg.Signal.HighpassCutoffHz
	signalParams.LowpassCutoffHz = cfg.Signal.LowpassCutoffHz
	signalParams.FilterOrder = cfg.Signal.FilterOrder
	signalParams.SmoothingWindowMs = cfg.Signal.SmoothingWindowMs
	signalParams.MinSamples = cfg.Signal.Quality.MinSamples
	signalParams.MinStd = cfg.Signal.Quality.MinStd
	signalParams.MinDurationSeconds = cfg.Signal.Quality.MinDuration
	signalParams.MaxDurationSeconds = cfg.Signal.Quality.MaxDuration

	contractionParams := contraction.DefaultParams()
	contractionParams.ThresholdFactor = cfg.Contraction.ThresholdFactor
	contractionParams.MinDurationMs = cfg.Contraction.MinDurationMs
	contractionParams.HysteresisGapMs = cfg.Contraction.HysteresisGapMs

	sessionCfg := session.Config{
		Signal:            signalParams,
		Contraction:       contractionParams,
		ScoringTolerance:  cfg.Scoring.Tolerance,
		ExpectedPerMuscle: cfg.Contraction.ExpectedPerMuscle,
		BackgroundTimeout: cfg.Server.PerFileTimeout,
		ExpectedBucket:    cfg.Webhook.ExpectedBucket,
	}

	policy := webhook.PolicyAckIgnore
	if !cfg.Webhook.DeduplicationEnabled {
		policy = webhook.PolicyLinkSibling
	}

	processor := session.New(
		dbManager.Repository(),
		cacheLayer,
		brk,
		pool,
		store,
		webhook.Security{Secret: cfg.Webhook.Secret},
		policy,
		cfg.Webhook.IdempotencyWindow,
		sessionCfg,
	)

	metrics := httpserver.NewMetricsRegistry()
	health := httpserver.HealthSource{
		Repo:     dbManager.Health(),
		Cache:    cacheLayer,
		Pool:     pool,
		Breakers: brk,
		Names:    []string{"object-storage"},
	}

	serverCfg := httpserver.ServerConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ResponseBudget: cfg.Server.ResponseBudget,
	}
	server, err := httpserver.NewServer(serverCfg, processor, health, metrics)
	if err != nil {
		return fmt.Errorf("starting http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	case sig := <-sigCh:
		applog.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe the running server's /health endpoint and exit non-zero if degraded",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			url := fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)
			resp, err := http.Get(url)
			if err != nil {
				return fmt.Errorf("health probe failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("health probe returned status %d", resp.StatusCode)
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func migrateCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-check",
		Short: "Verify database connectivity and schema readiness without serving traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			mgr, err := db.NewManager(db.Config{
				DSN:             cfg.Database.DSN,
				MaxOpenConns:    cfg.Database.MaxOpenConns,
				MaxIdleConns:    cfg.Database.MaxIdleConns,
				ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
				QueryTimeout:    cfg.Database.QueryTimeout,
			})
			if err != nil {
				return fmt.Errorf("database connectivity check failed: %w", err)
			}
			defer mgr.Close()
			fmt.Println("database reachable")
			return nil
		},
	}
}
