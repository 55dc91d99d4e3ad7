package sweep

import (
	"context"
	"encoding/json"
	"fmt"
)

// rawEmailRef is the DLQ payload shape for event types that redispatch
// against a single raw_emails row by ID.
type rawEmailRef struct {
	RawEmailID string `json:"raw_email_id"`
}

// redispatch is the dlq.Handler bound to the DLQ sweep task. It routes
// a dead-lettered entry back to the processing step it fell out of,
// keyed by event type.
func (s *Scheduler) redispatch(ctx context.Context, eventType string, payload json.RawMessage) error {
	switch eventType {
	case "raw_email.parse", "raw_email.correlate":
		var ref rawEmailRef
		if err := json.Unmarshal(payload, &ref); err != nil {
			return fmt.Errorf("redispatch %s: decode payload: %w", eventType, err)
		}
		return s.reprocessOne(ctx, ref.RawEmailID)
	default:
		return fmt.Errorf("redispatch: unknown event type %q", eventType)
	}
}
