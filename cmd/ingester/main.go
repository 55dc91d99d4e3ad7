// Package main is the entry point for the ingester — the process that
// polls mail folders for monitoring alert emails, stores them as
// RawEmail rows, and drains pending rows through the parser pipeline
// onto the alert-event stream.
//
// Dependencies:
//   - Postgres: raw_emails, folder_cursors, idempotency_keys, alert_events
//   - NATS: publishes ALERT_EVENTS.<fingerprint>
//   - IMAP or a filesystem drop folder: inbound mail source
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
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
	"github.com/kapella-hub/ngs/internal/ingest"
	"github.com/kapella-hub/ngs/internal/llm"
	"github.com/kapella-hub/ngs/internal/maintenance"
	"github.com/kapella-hub/ngs/internal/mail"
	"github.com/kapella-hub/ngs/internal/mail/fsprovider"
	"github.com/kapella-hub/ngs/internal/mail/imapprovider"
	"github.com/kapella-hub/ngs/internal/natsclient"
	"github.com/kapella-hub/ngs/internal/parse"
	"github.com/kapella-hub/ngs/internal/telemetry"
)

const (
	defaultParserWorkers = 4
	dispatchInterval     = 2 * time.Second
	dispatchBatchLimit   = 50
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// ── OpenTelemetry Tracer ───────────────────────────────────────────────
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "ngs-ingester", otelEndpoint)
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
	secretPath := envOr("VAULT_SECRET_PATH", "secret/data/ngs/ingester")

	vaultManager, err := config.NewSecretManager(vaultAddr, vaultToken)
	if err != nil {
		logger.Fatal("Vault connection failed", zap.Error(err))
	}
	secrets, err := vaultManager.GetKV2(secretPath)
	if err != nil {
		logger.Fatal("failed to load secrets", zap.Error(err))
	}

	pgURL, _ := secrets["PG_URL"].(string)
	natsURL, _ := secrets["NATS_URL"].(string)
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

	// ── NATS JetStream ─────────────────────────────────────────────────────
	natsClient, err := natsclient.NewClient(natsURL, logger)
	if err != nil {
		logger.Fatal("NATS connection failed", zap.Error(err))
	}
	defer natsClient.Close()

	if err := natsClient.ProvisionStreams(); err != nil {
		logger.Fatal("NATS stream provisioning failed", zap.Error(err))
	}
	logger.Info("NATS JetStream ready")

	// ── Active configuration ────────────────────────────────────────────────
	cfg := loadConfig(context.Background(), queries, logger)

	rules, err := parse.CompileRules(cfg.Parsers)
	if err != nil {
		logger.Fatal("parser rule compilation failed", zap.Error(err))
	}

	var llmClient llm.Client = llm.NopClient{}
	if llmEndpoint != "" {
		model := envOr("LLM_MODEL", "")
		llmClient = llm.NewHTTPClient(llmEndpoint, model, cfg.LLM.RequestTimeout)
		logger.Info("LLM fallback client configured", zap.String("endpoint", llmEndpoint))
	} else {
		logger.Info("no LLM endpoint configured, fallback extraction always quarantines")
	}

	maintenanceCache := maintenance.NewCache(queries, cfg.Maintenance.CacheTTL())
	parser := parse.New(queries, rules, llmClient, cfg, maintenanceCache, logger)

	// ── Per-folder ingestion goroutines ─────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	folders := splitCSV(envOr("FOLDERS", "INBOX"))
	pollInterval := envDuration("POLL_INTERVAL", 30*time.Second)

	for _, folder := range folders {
		provider, err := newProvider(folder, logger)
		if err != nil {
			logger.Fatal("mail provider init failed", zap.String("folder", folder), zap.Error(err))
		}
		ingester := ingest.New(queries, provider, ingest.Config{Folder: folder}, logger)
		go runPollLoop(ctx, ingester, provider, pollInterval, folder, logger)
	}

	// ── Parser worker pool, fed by a dispatcher draining pending rows ───────
	workCh := make(chan db.RawEmail, dispatchBatchLimit)
	go runDispatcher(ctx, queries, workCh, logger)

	workers := envInt("PARSER_WORKERS", defaultParserWorkers)
	for n := 0; n < workers; n++ {
		go runParserWorker(ctx, parser, natsClient, workCh, logger)
	}
	logger.Info("ingester started", zap.Strings("folders", folders), zap.Int("parser_workers", workers))

	// ── HTTP Server ────────────────────────────────────────────────────────
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("ngs-ingester"))
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
		logger.Info("ingester listening on :8080")
		if err := e.Start(":8080"); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// ── Graceful Shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	logger.Info("ingester shut down cleanly")
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

func newProvider(folder string, log *zap.Logger) (mail.Provider, error) {
	switch strings.ToLower(envOr("MAIL_PROVIDER", "imap")) {
	case "fs", "filesystem":
		dir := envOr("MAIL_DIR", "./maildrop")
		return fsprovider.New(dir, folder, envDuration("MAIL_DIR_POLL_INTERVAL", 5*time.Second)), nil
	default:
		return imapprovider.New(imapprovider.Config{
			Host:          envOr("IMAP_HOST", "localhost"),
			Port:          envInt("IMAP_PORT", 993),
			Username:      os.Getenv("IMAP_USERNAME"),
			Password:      os.Getenv("IMAP_PASSWORD"),
			Folder:        folder,
			TLSSkipVerify: os.Getenv("IMAP_TLS_SKIP_VERIFY") == "true",
		}, log), nil
	}
}

// runPollLoop drives one folder's Ingester.Poll every pollInterval. It
// does not call the provider's Watch, so new mail waits for the next tick.
func runPollLoop(ctx context.Context, ingester *ingest.Ingester, provider mail.Provider, pollInterval time.Duration, folder string, log *zap.Logger) {
	defer provider.Close()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if err := ingester.Poll(ctx); err != nil {
			log.Error("ingest poll failed", zap.String("folder", folder), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runDispatcher periodically lists raw_emails still awaiting parsing
// and feeds them to the worker pool over workCh, the in-process channel
// SPEC_FULL.md's concurrency model calls for (spec §5).
func runDispatcher(ctx context.Context, q db.Querier, workCh chan<- db.RawEmail, log *zap.Logger) {
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pending, err := q.ListPendingRawEmailsOlderThan(ctx, time.Now(), dispatchBatchLimit)
		if err != nil {
			log.Error("dispatcher: list pending raw emails failed", zap.Error(err))
			continue
		}
		for _, email := range pending {
			select {
			case workCh <- email:
			case <-ctx.Done():
				return
			}
		}
	}
}

func runParserWorker(ctx context.Context, parser *parse.Parser, nc *natsclient.Client, workCh <-chan db.RawEmail, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case email := <-workCh:
			result, err := parser.ProcessEmail(ctx, email)
			if err != nil {
				log.Error("parser worker: process email failed", zap.String("raw_email_id", email.ID), zap.Error(err))
				continue
			}
			if result.Event == nil {
				continue
			}
			if err := publishAlertEvent(nc, *result.Event); err != nil {
				log.Error("parser worker: publish alert event failed", zap.String("alert_event_id", result.Event.ID), zap.Error(err))
			}
		}
	}
}

// publishAlertEvent hands the event's ID, not the row itself, to
// ALERT_EVENTS.<fingerprint> — the correlator consumer loads the row
// back out by ID so the database stays the single source of truth.
func publishAlertEvent(nc *natsclient.Client, event db.AlertEvent) error {
	payload, err := json.Marshal(correlate.AlertEventRef{AlertEventID: event.ID})
	if err != nil {
		return err
	}
	subject := natsclient.StreamAlertEvents + "." + event.FingerprintV2
	_, err = nc.JS.Publish(subject, payload)
	return err
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
