// Package main is the entry point for the sweeper — the process that
// runs every cooperative periodic task (maintenance-window expiry,
// silent-incident auto-resolve, DLQ retry, idempotency-key expiry, and
// stale-pending reprocessing) on independent cron schedules.
//
// Dependencies:
//   - Postgres: maintenance_windows, incidents, dead_letter_entries,
//     idempotency_keys, raw_emails
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/kapella-hub/ngs/internal/config"
	"github.com/kapella-hub/ngs/internal/correlate"
	"github.com/kapella-hub/ngs/internal/db"
	"github.com/kapella-hub/ngs/internal/dlq"
	"github.com/kapella-hub/ngs/internal/idempotency"
	"github.com/kapella-hub/ngs/internal/llm"
	"github.com/kapella-hub/ngs/internal/maintenance"
	"github.com/kapella-hub/ngs/internal/parse"
	"github.com/kapella-hub/ngs/internal/sweep"
	"github.com/kapella-hub/ngs/internal/telemetry"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// ── OpenTelemetry Tracer ───────────────────────────────────────────────
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "ngs-sweeper", otelEndpoint)
		if err != nil {
			logger.Error("OTel tracer init failed", zap.Error(err))
		} else {
			defer tp(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", otelEndpoint))
		}
	}

	// ── Vault Secret Loading ───────────────────────────────────────────────
	vaultAddr := envOr("VAULT_ADDR", "http://localhost:8200")
	vaultToken := envOr("VAULT_TOKEN", "root")
	secretPath := envOr("VAULT_SECRET_PATH", "secret/data/ngs/sweeper")

	vaultManager, err := config.NewSecretManager(vaultAddr, vaultToken)
	if err != nil {
		logger.Fatal("Vault connection failed", zap.Error(err))
	}
	secrets, err := vaultManager.GetKV2(secretPath)
	if err != nil {
		logger.Fatal("failed to load secrets", zap.Error(err))
	}

	pgURL, _ := secrets["PG_URL"].(string)
	llmEndpoint, _ := secrets["LLM_ENDPOINT"].(string)

	// ── Postgres ───────────────────────────────────────────────────────────
	poolCfg, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		logger.Fatal("bad PG_URL", zap.Error(err))
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		logger.Fatal("Postgres connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("Postgres connected")

	queries := db.New(pool)

	// ── Active configuration ────────────────────────────────────────────────
	cfg := loadConfig(context.Background(), queries, logger)

	rules, err := parse.CompileRules(cfg.Parsers)
	if err != nil {
		logger.Fatal("parser rule compilation failed", zap.Error(err))
	}
	var llmClient llm.Client = llm.NopClient{}
	if llmEndpoint != "" {
		llmClient = llm.NewHTTPClient(llmEndpoint, envOr("LLM_MODEL", ""), cfg.LLM.RequestTimeout)
	}
	maintenanceCache := maintenance.NewCache(queries, cfg.Maintenance.CacheTTL())
	parser := parse.New(queries, rules, llmClient, cfg, maintenanceCache, logger)
	correlator := correlate.New(queries, cfg.Correlation, logger)
	dlqQueue := dlq.New(queries, dlq.Config{BaseBackoff: cfg.DLQ.BaseBackoff, CapBackoff: cfg.DLQ.CapBackoff, MaxRetries: cfg.DLQ.MaxRetries}, logger)
	idem := idempotency.New(queries)

	scheduler := sweep.New(queries, sweep.Config{}, cfg.Correlation, dlqQueue, idem, correlator, parser, maintenanceCache, logger)

	schedulerCtx, schedulerCancel := context.WithCancel(context.Background())
	defer schedulerCancel()
	if err := scheduler.Start(schedulerCtx); err != nil {
		logger.Fatal("sweeper scheduler start failed", zap.Error(err))
	}

	// ── HTTP Server ────────────────────────────────────────────────────────
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("ngs-sweeper"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request", zap.String("URI", v.URI), zap.Int("status", v.Status))
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	go func() {
		logger.Info("sweeper listening on :8080")
		if err := e.Start(":8080"); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// ── Graceful Shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	schedulerCancel()
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	logger.Info("sweeper shut down cleanly")
}

func loadConfig(ctx context.Context, q db.Querier, log *zap.Logger) config.Config {
	active, found, err := q.GetActiveConfigVersion(ctx)
	if err != nil {
		log.Warn("failed to load active config version, using defaults", zap.Error(err))
		return config.Default()
	}
	if !found {
		return config.Default()
	}
	cfg, err := config.Unmarshal(active.Payload)
	if err != nil {
		log.Warn("active config version is invalid, using defaults", zap.Error(err))
		return config.Default()
	}
	if err := cfg.Validate(); err != nil {
		log.Warn("active config version failed validation, using defaults", zap.Error(err))
		return config.Default()
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
