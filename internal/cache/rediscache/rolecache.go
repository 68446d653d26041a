package rediscache

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/GeoSync/internal/models"
)

const DefaultRoleTTL = 5 * time.Minute

type RoleChecker interface {
	CheckRole(ctx context.Context, userID string) (models.Role, error)
}

type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RoleCache memoizes successful role lookups. Denials and errors are not
// cached, so a freshly granted role works on the next call.
type RoleCache struct {
	next  RoleChecker
	cache BytesCache
	ttl   time.Duration
}

func NewRoleCache(next RoleChecker, cache BytesCache, ttl time.Duration) *RoleCache {
	if ttl <= 0 {
		ttl = DefaultRoleTTL
	}
	return &RoleCache{next: next, cache: cache, ttl: ttl}
}

func roleKey(userID string) string { return "geosync:role:" + userID }

func (r *RoleCache) CheckRole(ctx context.Context, userID string) (models.Role, error) {
	key := roleKey(userID)
	if b, ok, err := r.cache.Get(ctx, key); err == nil && ok {
		return models.Role(b), nil
	} else if err != nil {
		// кэш недоступен: идём в источник
		slog.Warn("role cache get", "user_id", userID, "error", err.Error())
	}

	role, err := r.next.CheckRole(ctx, userID)
	if err != nil {
		return "", err
	}
	if err := r.cache.Set(ctx, key, []byte(role), r.ttl); err != nil {
		slog.Warn("role cache set", "user_id", userID, "error", err.Error())
	}
	return role, nil
}
