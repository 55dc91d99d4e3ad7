// Package main is the entry point for the domain-events publisher —
// it tails Postgres logical replication on incidents, alert_events,
// and maintenance_matches and fans each change out onto
// DOMAIN_EVENTS.<aggregate_type> (spec §6 "Outbound: domain events").
//
// Dependencies:
//   - Postgres: logical replication slot over ngs_domain_events_pub
//   - NATS: publishes DOMAIN_EVENTS.>
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"

	"github.com/kapella-hub/ngs/internal/cdc"
	"github.com/kapella-hub/ngs/internal/config"
	"github.com/kapella-hub/ngs/internal/natsclient"
)

const (
	slotName        = "ngs_domain_events_slot"
	publicationName = "ngs_domain_events_pub"
	outputPlugin    = "pgoutput"
	standbyTimeout  = 10 * time.Second
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// ── Vault Secret Loading ───────────────────────────────────────────────
	vaultAddr := envOr("VAULT_ADDR", "http://localhost:8200")
	vaultToken := envOr("VAULT_TOKEN", "root")
	secretPath := envOr("VAULT_SECRET_PATH", "secret/data/ngs/domainevents")

	vaultManager, err := config.NewSecretManager(vaultAddr, vaultToken)
	if err != nil {
		logger.Fatal("Vault connection failed", zap.Error(err))
	}
	secrets, err := vaultManager.GetKV2(secretPath)
	if err != nil {
		logger.Fatal("failed to load secrets from Vault", zap.Error(err))
	}

	pgURL, _ := secrets["PG_URL"].(string)
	natsURL, _ := secrets["NATS_URL"].(string)

	// pgconn (replication connection) needs replication=database in the
	// DSN; pgx (plain query connection) rejects that param. Allow an
	// explicit override, otherwise derive both from PG_URL.
	pgReplicationURL := pgURL
	if v, ok := secrets["PG_REPLICATION_URL"]; ok {
		pgReplicationURL, _ = v.(string)
	} else if !strings.Contains(pgURL, "replication=") {
		if strings.Contains(pgURL, "?") {
			pgReplicationURL = pgURL + "&replication=database"
		} else {
			pgReplicationURL = pgURL + "?replication=database"
		}
	}
	pgQueryURL := strings.ReplaceAll(pgURL, "?replication=database&", "?")
	pgQueryURL = strings.ReplaceAll(pgQueryURL, "&replication=database", "")
	pgQueryURL = strings.ReplaceAll(pgQueryURL, "?replication=database", "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ── NATS JetStream ─────────────────────────────────────────────────────
	natsClient, err := natsclient.NewClient(natsURL, logger)
	if err != nil {
		logger.Fatal("NATS connection failed", zap.Error(err))
	}
	defer natsClient.Close()

	if err := natsClient.ProvisionStreams(); err != nil {
		logger.Fatal("NATS stream provisioning failed", zap.Error(err))
	}

	// ── Postgres replication connection ─────────────────────────────────────
	conn, err := pgconn.Connect(ctx, pgReplicationURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres for replication", zap.Error(err))
	}
	defer conn.Close(ctx)
	logger.Info("connected to postgres for logical replication")

	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, slotName, outputPlugin,
		pglogrepl.CreateReplicationSlotOptions{Temporary: false},
	)
	if err != nil {
		logger.Warn("replication slot creation", zap.Error(err))
	} else {
		logger.Info("replication slot created", zap.String("slot", slotName))
	}

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		logger.Fatal("IdentifySystem failed", zap.Error(err))
	}
	logger.Info("system identified", zap.String("system_id", sysident.SystemID),
		zap.String("timeline", fmt.Sprintf("%d", sysident.Timeline)), zap.String("xlog_pos", sysident.XLogPos.String()))

	// Resume from the slot's confirmed flush LSN so a restart never skips
	// or permanently replays WAL; a plain pgx connection is needed here
	// since the replication connection only carries WAL protocol messages.
	var confirmedLSNStr *string
	pgxConn, err := pgx.Connect(ctx, pgQueryURL)
	if err != nil {
		logger.Fatal("failed to open pgx connection for LSN resolution", zap.Error(err))
	}
	queryErr := pgxConn.QueryRow(ctx,
		"SELECT confirmed_flush_lsn::text FROM pg_replication_slots WHERE slot_name = $1", slotName,
	).Scan(&confirmedLSNStr)
	pgxConn.Close(ctx)
	if queryErr != nil {
		logger.Warn("LSN query failed, will use sysident.XLogPos", zap.Error(queryErr))
	}

	startLSN := sysident.XLogPos
	if confirmedLSNStr != nil && *confirmedLSNStr != "" {
		if lsn, err := pglogrepl.ParseLSN(*confirmedLSNStr); err == nil {
			startLSN = lsn
			logger.Info("resuming replication from confirmed_flush_lsn", zap.String("lsn", *confirmedLSNStr))
		} else {
			logger.Warn("failed to parse confirmed_flush_lsn, falling back to sysident.XLogPos", zap.Error(err))
		}
	}

	pluginArgs := []string{"proto_version '2'", fmt.Sprintf("publication_names '%s'", publicationName)}
	if err := pglogrepl.StartReplication(ctx, conn, slotName, startLSN, pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		logger.Fatal("StartReplication failed", zap.Error(err))
	}
	logger.Info("logical replication started", zap.String("slot", slotName), zap.String("publication", publicationName))

	runReplicationLoop(ctx, conn, natsClient, startLSN, logger)
	logger.Info("domain-events publisher shut down cleanly")
}

func runReplicationLoop(ctx context.Context, conn *pgconn.PgConn, nc *natsclient.Client, startLSN pglogrepl.LSN, log *zap.Logger) {
	decoder := cdc.NewDecoder(log)
	clientXLogPos := startLSN
	nextStandbyDeadline := time.Now().Add(standbyTimeout)

	for {
		if ctx.Err() != nil {
			log.Info("domain-events publisher shutting down gracefully")
			return
		}

		if time.Now().After(nextStandbyDeadline) {
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: clientXLogPos}); err != nil {
				log.Error("StandbyStatusUpdate failed", zap.Error(err))
			}
			nextStandbyDeadline = time.Now().Add(standbyTimeout)
		}

		rawMsg, err := conn.ReceiveMessage(ctx)
		if err != nil {
			log.Error("ReceiveMessage failed", zap.Error(err))
			continue
		}

		if errResp, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			log.Fatal("postgres WAL error", zap.String("severity", errResp.Severity), zap.String("message", errResp.Message))
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				log.Error("ParseXLogData failed", zap.Error(err))
				continue
			}

			logicalMsg, err := pglogrepl.ParseV2(xld.WALData, false)
			if err != nil {
				log.Error("ParseV2 failed", zap.Error(err))
				continue
			}

			var event *cdc.DomainEvent
			switch msg := logicalMsg.(type) {
			case *pglogrepl.RelationMessageV2:
				decoder.RegisterRelation(msg)
			case *pglogrepl.InsertMessageV2:
				event, err = decoder.DecodeInsert(msg)
			case *pglogrepl.UpdateMessageV2:
				event, err = decoder.DecodeUpdate(msg)
			}
			if err != nil {
				log.Error("decode failed", zap.Error(err))
			}
			if event != nil {
				publishDomainEvent(nc, *event, log)
			}

			clientXLogPos = xld.WALStart + pglogrepl.LSN(len(xld.WALData))

		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				log.Error("ParsePrimaryKeepaliveMessage failed", zap.Error(err))
				continue
			}
			if pkm.ReplyRequested {
				nextStandbyDeadline = time.Time{}
			}

		default:
			log.Warn("unknown copy data type", zap.Uint8("type", copyData.Data[0]))
		}
	}
}

func publishDomainEvent(nc *natsclient.Client, event cdc.DomainEvent, log *zap.Logger) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error("marshal domain event failed", zap.Error(err))
		return
	}
	subject := natsclient.StreamDomainEvents + "." + event.AggregateType
	if _, err := nc.JS.Publish(subject, payload); err != nil {
		log.Error("NATS publish failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	log.Info("domain event published", zap.String("subject", subject), zap.String("aggregate_id", event.AggregateID))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
