package db

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// InsertConfigVersion appends a new ConfigVersion row, inactive until
// ActivateConfigVersion is called (spec §6 "Each configuration reload
// is versioned and stored ... before activation").
func (q *Queries) InsertConfigVersion(ctx context.Context, payload []byte) (ConfigVersion, error) {
	var v ConfigVersion
	err := q.db.QueryRow(ctx, `
		INSERT INTO config_versions (id, version, payload, is_active, created_at)
		VALUES (gen_random_uuid(), (SELECT COALESCE(MAX(version), 0) + 1 FROM config_versions), $1, false, now())
		RETURNING id, version, payload, is_active, created_at, activated_at
	`, payload).Scan(&v.ID, &v.Version, &v.Payload, &v.IsActive, &v.CreatedAt, &v.ActivatedAt)
	return v, err
}

// ActivateConfigVersion deactivates every other version and activates
// version — a rollback is just activating a prior version again
// (spec §6 "a rollback selects a prior active version").
func (q *Queries) ActivateConfigVersion(ctx context.Context, version int64) error {
	_, err := q.db.Exec(ctx, `UPDATE config_versions SET is_active = false WHERE is_active = true`)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, `
		UPDATE config_versions SET is_active = true, activated_at = now() WHERE version = $1
	`, version)
	return err
}

func (q *Queries) GetActiveConfigVersion(ctx context.Context) (ConfigVersion, bool, error) {
	var v ConfigVersion
	err := q.db.QueryRow(ctx, `
		SELECT id, version, payload, is_active, created_at, activated_at
		FROM config_versions WHERE is_active = true
	`).Scan(&v.ID, &v.Version, &v.Payload, &v.IsActive, &v.CreatedAt, &v.ActivatedAt)
	if err == pgx.ErrNoRows {
		return ConfigVersion{}, false, nil
	}
	if err != nil {
		return ConfigVersion{}, false, err
	}
	return v, true, nil
}
