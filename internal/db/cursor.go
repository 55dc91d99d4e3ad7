package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

func (q *Queries) GetFolderCursor(ctx context.Context, folder string) (FolderCursor, bool, error) {
	var c FolderCursor
	err := q.db.QueryRow(ctx, `
		SELECT folder, last_uid, last_poll_at, last_success_at, last_error, error_count, emails_processed
		FROM folder_cursors WHERE folder = $1
	`, folder).Scan(&c.Folder, &c.LastUID, &c.LastPollAt, &c.LastSuccessAt, &c.LastError, &c.ErrorCount, &c.EmailsProcessed)
	if err == pgx.ErrNoRows {
		return FolderCursor{Folder: folder}, false, nil
	}
	if err != nil {
		return FolderCursor{}, false, err
	}
	return c, true, nil
}

// AdvanceFolderCursor records a successful poll: last_uid only ever
// moves forward (the highest committed UID), matching the ingester's
// "on success advance last_uid" contract (spec §4.1).
func (q *Queries) AdvanceFolderCursor(ctx context.Context, arg AdvanceFolderCursorParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO folder_cursors (folder, last_uid, last_poll_at, last_success_at, error_count, emails_processed)
		VALUES ($1, $2, $3, $3, 0, $4)
		ON CONFLICT (folder) DO UPDATE SET
			last_uid = GREATEST(folder_cursors.last_uid, EXCLUDED.last_uid),
			last_poll_at = EXCLUDED.last_poll_at,
			last_success_at = EXCLUDED.last_success_at,
			error_count = 0,
			emails_processed = folder_cursors.emails_processed + $4
	`, arg.Folder, arg.LastUID, arg.PolledAt, arg.EmailsProcessed)
	return err
}

func (q *Queries) RecordFolderCursorError(ctx context.Context, folder, errText string) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO folder_cursors (folder, last_uid, last_poll_at, last_error, error_count, emails_processed)
		VALUES ($1, 0, $2, $3, 1, 0)
		ON CONFLICT (folder) DO UPDATE SET
			last_poll_at = $2,
			last_error = $3,
			error_count = folder_cursors.error_count + 1
	`, folder, time.Now().UTC(), errText)
	return err
}
