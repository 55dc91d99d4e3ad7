package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
)

// InsertRawEmail upserts on (folder, uid): raw mail is immutable audit
// state, so a conflicting insert returns the existing row rather than
// overwriting it (spec §3 invariant, §4.1 "persist exactly once").
func (q *Queries) InsertRawEmail(ctx context.Context, arg InsertRawEmailParams) (RawEmail, error) {
	headers, err := json.Marshal(arg.Headers)
	if err != nil {
		return RawEmail{}, err
	}
	row := q.db.QueryRow(ctx, `
		INSERT INTO raw_emails (
			id, folder, uid, message_id, subject, from_address, to_addresses,
			date_header, headers, body_text, body_html, ics_payload,
			attachments, received_at, parse_status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,'pending')
		ON CONFLICT (folder, uid) DO UPDATE SET folder = raw_emails.folder
		RETURNING id, folder, uid, message_id, subject, from_address, to_addresses,
			date_header, headers, body_text, body_html, ics_payload,
			attachments, received_at, parse_status, parse_error
	`, arg.ID, arg.Folder, arg.UID, arg.MessageID, arg.Subject, arg.FromAddress,
		arg.ToAddresses, arg.DateHeader, headers, arg.BodyText, arg.BodyHTML,
		arg.ICSPayload, arg.Attachments, arg.ReceivedAt)
	return scanRawEmail(row)
}

func scanRawEmail(row pgx.Row) (RawEmail, error) {
	var e RawEmail
	var headers []byte
	if err := row.Scan(&e.ID, &e.Folder, &e.UID, &e.MessageID, &e.Subject, &e.FromAddress,
		&e.ToAddresses, &e.DateHeader, &headers, &e.BodyText, &e.BodyHTML, &e.ICSPayload,
		&e.Attachments, &e.ReceivedAt, &e.ParseStatus, &e.ParseError); err != nil {
		return RawEmail{}, err
	}
	if len(headers) > 0 {
		_ = json.Unmarshal(headers, &e.Headers)
	}
	return e, nil
}

// GetRawEmailByID backs the DLQ redispatch path: a dead-lettered parse
// or correlate entry carries only the raw_emails.id, not the full row.
func (q *Queries) GetRawEmailByID(ctx context.Context, id string) (RawEmail, bool, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, folder, uid, message_id, subject, from_address, to_addresses,
			date_header, headers, body_text, body_html, ics_payload,
			attachments, received_at, parse_status, parse_error
		FROM raw_emails WHERE id = $1
	`, id)
	e, err := scanRawEmail(row)
	if err == pgx.ErrNoRows {
		return RawEmail{}, false, nil
	}
	if err != nil {
		return RawEmail{}, false, err
	}
	return e, true, nil
}

func (q *Queries) GetRawEmailByFolderUID(ctx context.Context, folder string, uid int64) (RawEmail, bool, error) {
	row := q.db.QueryRow(ctx, `
		SELECT id, folder, uid, message_id, subject, from_address, to_addresses,
			date_header, headers, body_text, body_html, ics_payload,
			attachments, received_at, parse_status, parse_error
		FROM raw_emails WHERE folder = $1 AND uid = $2
	`, folder, uid)
	e, err := scanRawEmail(row)
	if err == pgx.ErrNoRows {
		return RawEmail{}, false, nil
	}
	if err != nil {
		return RawEmail{}, false, err
	}
	return e, true, nil
}

// UpdateRawEmailParseStatus advances parse_status monotonically:
// pending -> {parsed, failed, quarantined} (spec §3 invariant).
func (q *Queries) UpdateRawEmailParseStatus(ctx context.Context, id string, status string, parseError *string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE raw_emails SET parse_status = $2, parse_error = $3
		WHERE id = $1 AND parse_status = 'pending'
	`, id, status, parseError)
	return err
}

// ListPendingRawEmailsOlderThan backs the reprocess sweeper (spec §5:
// "a reprocess sweeper that scans raw_emails.parse_status = pending
// older than a threshold").
func (q *Queries) ListPendingRawEmailsOlderThan(ctx context.Context, olderThan time.Time, limit int) ([]RawEmail, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, folder, uid, message_id, subject, from_address, to_addresses,
			date_header, headers, body_text, body_html, ics_payload,
			attachments, received_at, parse_status, parse_error
		FROM raw_emails
		WHERE parse_status = 'pending' AND received_at < $1
		ORDER BY received_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RawEmail
	for rows.Next() {
		e, err := scanRawEmail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
