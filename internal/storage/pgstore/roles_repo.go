package pgstore

import (
	"context"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/BearBump/GeoSync/internal/syncerr"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) SetRole(ctx context.Context, userID string, role models.Role) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO user_roles (user_id, role, updated_at) VALUES ($1,$2,now())
ON CONFLICT (user_id) DO UPDATE SET role = EXCLUDED.role, updated_at = now()
`, userID, string(role))
	return errors.Wrap(err, "upsert role")
}

// CheckRole returns PermissionDenied for users without a role row.
func (s *Storage) CheckRole(ctx context.Context, userID string) (models.Role, error) {
	var role string
	err := s.db.QueryRow(ctx, `SELECT role FROM user_roles WHERE user_id = $1`, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", syncerr.Errorf(syncerr.PermissionDenied, "check role", "unknown user %q", userID)
	}
	if err != nil {
		return "", errors.Wrap(err, "select role")
	}
	return models.Role(role), nil
}
