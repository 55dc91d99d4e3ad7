// Package ingest runs the per-folder poll loop that pulls messages off
// a mail.Provider, writes them to raw_emails keyed by (folder, uid),
// and advances the folder cursor (spec §4.1 "Mail Ingestion").
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kapella-hub/ngs/internal/apperr"
	"github.com/kapella-hub/ngs/internal/db"
	"github.com/kapella-hub/ngs/internal/idempotency"
	"github.com/kapella-hub/ngs/internal/mail"
)

// Config controls one folder's ingestion loop.
type Config struct {
	Folder    string
	BatchSize int
	Backoff   time.Duration
	MaxBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Minute
	}
	return c
}

// Ingester drives one mail.Provider against its folder cursor.
type Ingester struct {
	q        db.Querier
	provider mail.Provider
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
	idem     *idempotency.Store
}

func New(q db.Querier, provider mail.Provider, cfg Config, log *zap.Logger) *Ingester {
	return &Ingester{q: q, provider: provider, cfg: cfg.withDefaults(), log: log, now: time.Now, idem: idempotency.New(q)}
}

// idempotencyKey mirrors spec's sha256(folder + ":" + uid + ":" +
// message_id), keeping ingestion exactly-once even across a crash
// between RawEmail insert and cursor advance.
func idempotencyKey(folder string, uid uint32, messageID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", folder, uid, messageID)))
	return hex.EncodeToString(sum[:])
}

// Poll runs one fetch-and-store cycle: read the cursor, fetch messages
// beyond it in batches of cfg.BatchSize, insert each exactly once
// keyed by (folder, uid), and advance the cursor past the highest UID
// successfully stored. A failure mid-batch still advances the cursor
// up to the last successfully stored message, so a later retry only
// repeats the failed tail.
func (i *Ingester) Poll(ctx context.Context) error {
	cursor, found, err := i.q.GetFolderCursor(ctx, i.cfg.Folder)
	if err != nil {
		return apperr.Transientf("ingest.Poll", "get cursor: %v", err)
	}
	lastUID := uint32(0)
	if found {
		lastUID = uint32(cursor.LastUID)
	}

	messages, err := i.provider.Fetch(ctx, mail.Cursor{Folder: i.cfg.Folder, LastUID: lastUID})
	if err != nil {
		_ = i.q.RecordFolderCursorError(ctx, i.cfg.Folder, err.Error())
		return err
	}

	var stored int64
	var highestUID uint32
	for idx := 0; idx < len(messages); idx += i.cfg.BatchSize {
		end := idx + i.cfg.BatchSize
		if end > len(messages) {
			end = len(messages)
		}
		for _, m := range messages[idx:end] {
			if err := i.store(ctx, m); err != nil {
				i.log.Error("ingest: store failed, stopping batch", zap.String("folder", i.cfg.Folder),
					zap.Uint32("uid", m.UID), zap.Error(err))
				i.advance(ctx, highestUID, stored)
				return err
			}
			stored++
			if m.UID > highestUID {
				highestUID = m.UID
			}
		}
	}

	i.advance(ctx, highestUID, stored)
	return nil
}

func (i *Ingester) advance(ctx context.Context, highestUID uint32, stored int64) {
	if highestUID == 0 && stored == 0 {
		return
	}
	if err := i.q.AdvanceFolderCursor(ctx, db.AdvanceFolderCursorParams{
		Folder: i.cfg.Folder, LastUID: int64(highestUID), PolledAt: i.now(), EmailsProcessed: stored,
	}); err != nil {
		i.log.Error("ingest: advance cursor failed", zap.String("folder", i.cfg.Folder), zap.Error(err))
	}
}

func (i *Ingester) store(ctx context.Context, m mail.Message) error {
	key := idempotencyKey(m.Folder, m.UID, m.MessageID)
	status, _, err := i.idem.Begin(ctx, key)
	if err != nil {
		return err
	}
	if status == idempotency.Completed {
		return nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		attachments = []byte("[]")
	}

	var dateHeader *time.Time
	if !m.Date.IsZero() {
		dateHeader = &m.Date
	}
	var ics *string
	if m.ICSPayload != "" {
		ics = &m.ICSPayload
	}

	if _, err := i.q.InsertRawEmail(ctx, db.InsertRawEmailParams{
		ID:          id.String(),
		Folder:      m.Folder,
		UID:         int64(m.UID),
		MessageID:   m.MessageID,
		Subject:     m.Subject,
		FromAddress: m.From,
		ToAddresses: m.To,
		DateHeader:  dateHeader,
		Headers:     flattenHeaders(m.Headers),
		BodyText:    m.BodyText,
		BodyHTML:    m.BodyHTML,
		ICSPayload:  ics,
		Attachments: attachments,
		ReceivedAt:  i.now(),
	}); err != nil {
		return err
	}

	return i.idem.Complete(ctx, key, nil)
}

func flattenHeaders(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	return h
}
