package correlate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kapella-hub/ngs/internal/apperr"
	"github.com/kapella-hub/ngs/internal/db"
	"github.com/kapella-hub/ngs/internal/maintenance"
	"github.com/kapella-hub/ngs/internal/natsclient"
)

const (
	durableName  = "correlator"
	fetchBatch   = 20
	fetchTimeout = 5 * time.Second
)

// AlertEventRef is the lean envelope cmd/ingester publishes to
// ALERT_EVENTS.<fingerprint>: the correlator loads the full row by ID
// rather than trusting a wire copy, the same "ID in, row from the
// database out" shape the teacher's DOMAIN_EVENTS consumer uses.
type AlertEventRef struct {
	AlertEventID string `json:"alert_event_id"`
}

// Consumer drives a durable NATS JetStream pull subscription against
// ALERT_EVENTS.> and applies each referenced AlertEvent through a
// Correlator.
type Consumer struct {
	nc               *natsclient.Client
	q                db.Querier
	correlator       *Correlator
	maintenanceCache *maintenance.Cache
	log              *zap.Logger
}

func NewConsumer(nc *natsclient.Client, q db.Querier, correlator *Correlator, maintenanceCache *maintenance.Cache, log *zap.Logger) *Consumer {
	return &Consumer{nc: nc, q: q, correlator: correlator, maintenanceCache: maintenanceCache, log: log}
}

// Start subscribes durably and processes messages until ctx is
// cancelled. Safe to run as several replicas: the advisory lock
// Correlator.Apply takes keyed by fingerprint, plus JetStream's
// exactly-once delivery to one consumer member at a time, keep
// concurrent replicas from double-applying the same event.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.nc.JS.PullSubscribe(
		natsclient.SubjectAlertEvents,
		durableName,
		nats.AckExplicit(),
		nats.ManualAck(),
	)
	if err != nil {
		return err
	}

	c.log.Info("correlator consumer started", zap.String("subject", natsclient.SubjectAlertEvents), zap.String("durable", durableName))

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.log.Info("correlator consumer stopping")
				return
			default:
			}

			msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchTimeout))
			if err != nil {
				if err == nats.ErrTimeout {
					continue
				}
				c.log.Error("correlator: fetch error", zap.Error(err))
				continue
			}

			for _, msg := range msgs {
				c.processMessage(ctx, msg)
			}
		}
	}()

	return nil
}

func (c *Consumer) processMessage(ctx context.Context, msg *nats.Msg) {
	var ref AlertEventRef
	if err := json.Unmarshal(msg.Data, &ref); err != nil {
		c.log.Warn("correlator: malformed alert event reference, terminating", zap.Error(err))
		msg.Term()
		return
	}

	event, found, err := c.q.GetAlertEventByID(ctx, ref.AlertEventID)
	if err != nil {
		c.log.Error("correlator: load alert event failed", zap.String("alert_event_id", ref.AlertEventID), zap.Error(err))
		msg.Nak()
		return
	}
	if !found {
		c.log.Warn("correlator: referenced alert event no longer exists, terminating", zap.String("alert_event_id", ref.AlertEventID))
		msg.Term()
		return
	}

	incident, err := c.correlator.Apply(ctx, event)
	if err != nil {
		switch apperr.KindOf(err) {
		case apperr.Data, apperr.Configuration:
			c.log.Warn("correlator: apply rejected event, terminating", zap.String("alert_event_id", event.ID), zap.Error(err))
			msg.Term()
		case apperr.Invariant:
			c.log.Error("correlator: apply hit an invariant violation, terminating", zap.String("alert_event_id", event.ID), zap.Error(err))
			msg.Term()
		default:
			c.log.Warn("correlator: apply failed, retrying", zap.String("alert_event_id", event.ID), zap.Error(err))
			msg.Nak()
		}
		return
	}

	if incident != nil {
		if _, err := EvaluateMaintenance(ctx, c.q, c.maintenanceCache, *incident, event.OccurredAt, c.log); err != nil {
			c.log.Error("correlator: maintenance evaluation failed", zap.String("incident_id", incident.ID), zap.Error(err))
		}
	}

	msg.Ack()
}
