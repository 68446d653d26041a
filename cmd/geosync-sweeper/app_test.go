package main

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/BearBump/GeoSync/config"
	"github.com/BearBump/GeoSync/internal/models"
	"github.com/BearBump/GeoSync/internal/services/sweeper"
	"github.com/BearBump/GeoSync/internal/storage/memstore"
	"github.com/stretchr/testify/require"
)

func TestDefaultSweeperFactories(t *testing.T) {
	f := defaultSweeperFactories()

	require.Nil(t, f.newRateLimiter(&config.Config{}))
	require.NotNil(t, f.newRateLimiter(&config.Config{Redis: config.RedisConfig{Host: "localhost", Port: 6379}}))

	_, _, err := f.newStorage(context.Background(), &config.Config{GeoSync: config.GeoSyncConfig{Backend: "memory"}})
	require.Error(t, err)
}

func TestRunSweeper_MarksStaleOffline(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	require.NoError(t, st.WriteLocation(ctx, "old", 1, 1, time.Now().Add(-time.Hour)))
	require.NoError(t, st.WriteLocation(ctx, "fresh", 1, 1, time.Now()))

	f := sweeperFactories{
		newStorage: func(context.Context, *config.Config) (sweeper.Repository, func(), error) {
			return st, nil, nil
		},
		newRateLimiter: func(*config.Config) sweeper.RateLimiter { return nil },
	}
	cfg := &config.Config{GeoSync: config.GeoSyncConfig{OnlineWindowSeconds: 300, SweepIntervalSeconds: 3600}}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- RunSweeper(runCtx, cfg, f, sweeperHTTPOpts{
			httpAddr: "127.0.0.1:0",
			onListen: func(addr string) { addrCh <- addr },
		})
	}()
	base := "http://" + <-addrCh

	require.Eventually(t, func() bool {
		ids, err := st.StaleOnline(ctx, time.Now().Add(-5*time.Minute), 10)
		return err == nil && len(ids) == 0
	}, 2*time.Second, 10*time.Millisecond)

	page, err := st.QueryPage(ctx, models.PageQuery{
		Collection: models.CollectionLocations,
		OrderBy:    models.OrderBy{Field: models.FieldUpdatedAt},
		Limit:      10,
	})
	require.NoError(t, err)
	online := map[string]bool{}
	for _, d := range page.Items {
		e, err := models.DecodeEntity(d.ID, d.Fields)
		require.NoError(t, err)
		online[e.ID] = e.PresenceHint
	}
	require.Equal(t, map[string]bool{"old": false, "fresh": true}, online)

	resp, err := http.Post(base+"/trigger", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/stats")
	require.NoError(t, err)
	var stats sweeper.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	require.Equal(t, int64(1), stats.TotalMarked)
	require.NotNil(t, stats.LastTriggerAt)

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
