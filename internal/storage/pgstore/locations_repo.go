package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// WriteLocation upserts the entity's position. A write older than the stored
// one is ignored, so out-of-order retries cannot move an entity back.
func (s *Storage) WriteLocation(ctx context.Context, entityID string, lat, lon float64, updatedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var inserted bool
	err = tx.QueryRow(ctx, `
INSERT INTO locations (entity_id, latitude, longitude, updated_at, is_online)
VALUES ($1,$2,$3,$4,TRUE)
ON CONFLICT (entity_id)
DO UPDATE SET latitude = EXCLUDED.latitude,
              longitude = EXCLUDED.longitude,
              updated_at = EXCLUDED.updated_at,
              is_online = TRUE
WHERE locations.updated_at <= EXCLUDED.updated_at
RETURNING (xmax = 0)
`, entityID, lat, lon, updatedAt.UTC()).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		// stale write
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "upsert location")
	}

	op := models.OpModified
	if inserted {
		op = models.OpAdded
	}
	if err := notify(ctx, tx, models.ChangeBatch{
		Collection: models.CollectionLocations,
		Changes:    []models.Change{{Op: op, ID: entityID, Fields: models.EntityFields(lat, lon, updatedAt, true)}},
	}); err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

// StaleOnline returns up to limit entities still flagged online whose last
// update is older than cutoff, oldest first.
func (s *Storage) StaleOnline(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `
SELECT entity_id FROM locations
WHERE is_online AND updated_at < $1
ORDER BY updated_at
LIMIT $2
`, cutoff.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select stale locations")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan stale location")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "rows")
}

// MarkOffline clears the online flag without touching the position. An
// entity that reported after cutoff keeps its flag; ok tells whether the
// row changed.
func (s *Storage) MarkOffline(ctx context.Context, entityID string, cutoff time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var lat, lon *float64
	var at time.Time
	err = tx.QueryRow(ctx, `
UPDATE locations SET is_online = FALSE
WHERE entity_id = $1 AND is_online AND updated_at < $2
RETURNING latitude, longitude, updated_at
`, entityID, cutoff.UTC()).Scan(&lat, &lon, &at)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "mark offline")
	}
	if err := notify(ctx, tx, models.ChangeBatch{
		Collection: models.CollectionLocations,
		Changes:    []models.Change{{Op: models.OpModified, ID: entityID, Fields: locationFields(lat, lon, at, false)}},
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "commit tx")
	}
	return true, nil
}

func (s *Storage) DeleteLocation(ctx context.Context, entityID string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM locations WHERE entity_id = $1`, entityID)
	if err != nil {
		return errors.Wrap(err, "delete location")
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if err := notify(ctx, tx, models.ChangeBatch{
		Collection: models.CollectionLocations,
		Changes:    []models.Change{{Op: models.OpRemoved, ID: entityID}},
	}); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

// Snapshot returns the current locations as one Added batch. Other
// collections have no snapshot and yield an empty batch.
func (s *Storage) Snapshot(ctx context.Context, collection string, filter models.Filter) (models.ChangeBatch, error) {
	b := models.ChangeBatch{Collection: collection}
	if collection != models.CollectionLocations {
		return b, nil
	}
	changes, err := s.listLocations(ctx, s.db, filter)
	if err != nil {
		return b, err
	}
	b.Changes = changes
	return b, nil
}

func (s *Storage) listLocations(ctx context.Context, q pgxQuerier, filter models.Filter) ([]models.Change, error) {
	sql := `SELECT entity_id, latitude, longitude, updated_at, is_online FROM locations`
	args := []any{}
	if len(filter.IDs) > 0 {
		sql += ` WHERE entity_id = ANY($1)`
		args = append(args, filter.IDs)
	}
	sql += ` ORDER BY entity_id`

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select locations")
	}
	defer rows.Close()

	var out []models.Change
	for rows.Next() {
		var id string
		var lat, lon *float64
		var at time.Time
		var online bool
		if err := rows.Scan(&id, &lat, &lon, &at, &online); err != nil {
			return nil, errors.Wrap(err, "scan location")
		}
		out = append(out, models.Change{Op: models.OpAdded, ID: id, Fields: locationFields(lat, lon, at, online)})
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func locationFields(lat, lon *float64, at time.Time, online bool) map[string]any {
	f := map[string]any{
		models.FieldUpdatedAt: at.UTC(),
		models.FieldIsOnline:  online,
	}
	if lat != nil && lon != nil {
		f[models.FieldLatitude] = *lat
		f[models.FieldLongitude] = *lon
	}
	return f
}

func notify(ctx context.Context, tx pgx.Tx, b models.ChangeBatch) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return errors.Wrap(err, "marshal change batch")
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload)); err != nil {
		return errors.Wrap(err, "notify")
	}
	return nil
}
