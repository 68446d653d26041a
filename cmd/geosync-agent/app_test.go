package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BearBump/GeoSync/config"
	"github.com/BearBump/GeoSync/internal/geo"
	"github.com/BearBump/GeoSync/internal/integrations/position"
	"github.com/BearBump/GeoSync/internal/integrations/position/fake"
	"github.com/BearBump/GeoSync/internal/models"
	"github.com/BearBump/GeoSync/internal/syncerr"
	"github.com/stretchr/testify/require"
)

func demoConfig() *config.Config {
	return &config.Config{GeoSync: config.GeoSyncConfig{
		Backend:               "memory",
		DemoUserID:            "u1",
		DemoRole:              "admin",
		LocationPermission:    true,
		SampleIntervalSeconds: 1,
		Subscriptions: []config.SubscriptionConfig{
			{Collection: models.CollectionLocations},
			{Collection: models.CollectionAuditLogs},
		},
	}}
}

func testFactories() agentFactories {
	f := defaultAgentFactories()
	f.newSource = func(*config.Config) position.Source {
		return fake.NewWalk(geo.Point{Lat: 55.75, Lon: 37.61}, 10, 1)
	}
	return f
}

type runningAgent struct {
	base   string
	cancel context.CancelFunc
	errCh  chan error
}

func startAgent(t *testing.T, cfg *config.Config, swaggerPath string) *runningAgent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		errCh <- RunAgent(ctx, cfg, testFactories(), agentOpts{
			httpAddr:    "127.0.0.1:0",
			grpcAddr:    "127.0.0.1:0",
			swaggerPath: swaggerPath,
			onListen:    func(_grpcAddr, httpAddr string) { addrCh <- httpAddr },
		})
	}()

	select {
	case addr := <-addrCh:
		a := &runningAgent{base: "http://" + addr, cancel: cancel, errCh: errCh}
		t.Cleanup(a.stop)
		return a
	case err := <-errCh:
		cancel()
		t.Fatalf("agent exited before listening: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("agent did not start listening")
	}
	return nil
}

func (a *runningAgent) stop() {
	a.cancel()
	select {
	case <-a.errCh:
	case <-time.After(3 * time.Second):
	}
}

func (a *runningAgent) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.base+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func TestRunAgent_MemoryBackendEndToEnd(t *testing.T) {
	sw := filepath.Join(t.TempDir(), "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	a := startAgent(t, demoConfig(), sw)

	require.Eventually(t, func() bool {
		code, _ := a.do(t, http.MethodGet, "/readyz", nil)
		return code == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		code, body := a.do(t, http.MethodGet, grpcHealthPath+"?service="+engineService, nil)
		return code == http.StatusOK && bytes.Contains(body, []byte("SERVING"))
	}, 5*time.Second, 20*time.Millisecond)

	code, _ := a.do(t, http.MethodPost, "/tracking/start", nil)
	require.Equal(t, http.StatusOK, code)

	require.Eventually(t, func() bool {
		code, body := a.do(t, http.MethodGet, "/entities/u1", nil)
		return code == http.StatusOK && bytes.Contains(body, []byte(`"online":true`))
	}, 5*time.Second, 20*time.Millisecond)

	code, _ = a.do(t, http.MethodPost, "/audit/entries", map[string]string{"action": "zone.create"})
	require.Equal(t, http.StatusCreated, code)

	code, body := a.do(t, http.MethodPost, "/audit/refresh", nil)
	require.Equal(t, http.StatusOK, code)
	var view struct {
		Entries []models.AuditEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(body, &view))
	require.NotEmpty(t, view.Entries)
	require.Equal(t, "zone.create", view.Entries[0].Action)
	require.Equal(t, "u1", view.Entries[0].ActorID)

	code, _ = a.do(t, http.MethodGet, "/presence/nearby?lat=55.75&lon=37.61&radius=5000", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = a.do(t, http.MethodGet, "/presence/nearby?lat=abc", nil)
	require.Equal(t, http.StatusBadRequest, code)

	code, body = a.do(t, http.MethodGet, "/swagger.json", nil)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(body), `"swagger"`)

	code, _ = a.do(t, http.MethodPost, "/tracking/toggle", nil)
	require.Equal(t, http.StatusOK, code)

	a.cancel()
	select {
	case err := <-a.errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestRunAgent_NoSession_Fails(t *testing.T) {
	cfg := demoConfig()
	cfg.GeoSync.DemoUserID = ""

	err := RunAgent(context.Background(), cfg, testFactories(), agentOpts{
		httpAddr: "127.0.0.1:0",
		grpcAddr: "127.0.0.1:0",
	})
	require.Error(t, err)
	require.True(t, syncerr.Is(err, syncerr.PermissionDenied))
}

func TestRunAgent_UnknownBackend(t *testing.T) {
	cfg := demoConfig()
	cfg.GeoSync.Backend = "sqlite"

	err := RunAgent(context.Background(), cfg, testFactories(), agentOpts{
		httpAddr: "127.0.0.1:0",
		grpcAddr: "127.0.0.1:0",
	})
	require.Error(t, err)
}

func TestRunAgent_RedisFeedWithoutRedis(t *testing.T) {
	cfg := demoConfig()
	cfg.GeoSync.Feed = "redis"

	err := RunAgent(context.Background(), cfg, testFactories(), agentOpts{
		httpAddr: "127.0.0.1:0",
		grpcAddr: "127.0.0.1:0",
	})
	require.Error(t, err)
}
