package main

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/GeoSync/config"
	"github.com/BearBump/GeoSync/internal/auth"
	"github.com/BearBump/GeoSync/internal/models"
	"github.com/BearBump/GeoSync/internal/services/presence"
	"github.com/BearBump/GeoSync/internal/services/subscriptions"
	"github.com/BearBump/GeoSync/internal/storage/memstore"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestBuildBackend_RedisFeed_RosterStartsFromStore(t *testing.T) {
	mr := miniredis.RunT(t)
	st := memstore.New()
	st.SetRole("op", models.RoleAdmin)

	ctx := context.Background()
	now := time.Now().UTC()
	// reported before anyone subscribed and silent since
	require.NoError(t, st.WriteLocation(ctx, "idle", -6.21, 106.85, now.Add(-time.Minute)))

	f := testFactories()
	f.newStore = func(context.Context, *config.Config) (documentStore, func(), error) {
		return st, nil, nil
	}
	f.newRedis = func(*config.Config) *redis.Client {
		return redis.NewClient(&redis.Options{Addr: mr.Addr()})
	}
	cfg := demoConfig()
	cfg.GeoSync.Feed = "redis"

	b, err := buildBackend(ctx, cfg, f)
	require.NoError(t, err)
	t.Cleanup(b.Close)

	entities := subscriptions.NewEntityStore(0)
	m := subscriptions.New(b.feed, b.roles, auth.StaticSession("op")).
		WithSink(models.CollectionLocations, entities)
	t.Cleanup(m.Close)

	_, err = m.Subscribe(ctx, subscriptions.Spec{Collection: models.CollectionLocations})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := entities.Get("idle")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, presence.New(entities, 0).IsOnline("idle"))

	// live writes still flow through the gateway and the redis channel
	require.NoError(t, b.gateway.WriteLocation(ctx, "fresh", 1, 1, now))
	require.Eventually(t, func() bool {
		_, ok := entities.Get("fresh")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}
