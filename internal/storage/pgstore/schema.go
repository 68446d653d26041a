package pgstore

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS locations (
  entity_id TEXT PRIMARY KEY,
  latitude DOUBLE PRECISION NULL,
  longitude DOUBLE PRECISION NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  is_online BOOLEAN NOT NULL DEFAULT TRUE,
  CHECK ((latitude IS NULL) = (longitude IS NULL))
)`,
		`CREATE INDEX IF NOT EXISTS idx_locations_online_updated_at ON locations(updated_at) WHERE is_online`,
		`
CREATE TABLE IF NOT EXISTS audit_logs (
  id TEXT PRIMARY KEY,
  actor_id TEXT NOT NULL,
  actor_name TEXT NOT NULL DEFAULT '',
  action TEXT NOT NULL,
  target_id TEXT NULL,
  target_name TEXT NULL,
  target_type TEXT NULL,
  details TEXT NOT NULL DEFAULT '',
  occurred_at TIMESTAMPTZ NOT NULL
)`,
		// Keyset paging walks (occurred_at, id) newest first.
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_occurred_at_id ON audit_logs(occurred_at DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_actor_id ON audit_logs(actor_id)`,
		`
CREATE TABLE IF NOT EXISTS user_roles (
  user_id TEXT PRIMARY KEY,
  role TEXT NOT NULL CHECK (role IN ('user','responder','admin')),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
