package natsclient

import (
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Stream and subject names. Subjects are hierarchical so consumers can
// subscribe to a whole domain (e.g. "ALERT_EVENTS.>") or a narrow leaf.
const (
	StreamRawEmails    = "RAW_EMAILS"
	StreamAlertEvents  = "ALERT_EVENTS"
	StreamDomainEvents = "DOMAIN_EVENTS"
	StreamSystemEvents = "SYSTEM_EVENTS"

	SubjectRawEmails    = "RAW_EMAILS.>"
	SubjectAlertEvents  = "ALERT_EVENTS.>"
	SubjectDomainEvents = "DOMAIN_EVENTS.>"
	SubjectSystemEvents = "SYSTEM_EVENTS.>"

	SubjectCronMaintenanceTick = "SYSTEM_EVENTS.cron.maintenance_tick"
	SubjectCronAutoResolve     = "SYSTEM_EVENTS.cron.auto_resolve"
	SubjectCronDLQRetry        = "SYSTEM_EVENTS.cron.dlq_retry"
	SubjectCronIdempotencyGC   = "SYSTEM_EVENTS.cron.idempotency_gc"
	SubjectCronReprocess       = "SYSTEM_EVENTS.cron.reprocess"
)

// ProvisionStreams idempotently ensures every stream this deployment
// needs exists, creating whichever are missing.
func (c *Client) ProvisionStreams() error {
	streams := []struct {
		name     string
		subjects []string
	}{
		{StreamRawEmails, []string{SubjectRawEmails}},
		{StreamAlertEvents, []string{SubjectAlertEvents}},
		{StreamDomainEvents, []string{SubjectDomainEvents}},
		{StreamSystemEvents, []string{SubjectSystemEvents}},
	}

	for _, s := range streams {
		_, err := c.JS.StreamInfo(s.name)
		if errors.Is(err, nats.ErrStreamNotFound) {
			_, createErr := c.JS.AddStream(&nats.StreamConfig{
				Name:      s.name,
				Subjects:  s.subjects,
				Storage:   nats.FileStorage,
				Retention: nats.LimitsPolicy,
				MaxAge:    0,
			})
			if createErr != nil {
				return fmt.Errorf("create stream %s: %w", s.name, createErr)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("stream info %s: %w", s.name, err)
		}
	}
	return nil
}
