package gpshttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/GeoSync/internal/integrations/position"
	"github.com/stretchr/testify/require"
)

func TestClient_RequestFix_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/fix", r.URL.Path)
		require.Equal(t, "high", r.URL.Query().Get("accuracy"))
		require.Equal(t, "k", r.URL.Query().Get("apiKey"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"lat":-6.21,"lon":106.85,"accuracy":4.5,"time":"2025-01-01T00:00:00Z","mode":3}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k")
	fix, err := c.RequestFix(context.Background(), position.AccuracyHigh, time.Second)
	require.NoError(t, err)
	require.Equal(t, -6.21, fix.Latitude)
	require.Equal(t, 106.85, fix.Longitude)
	require.Equal(t, 4.5, fix.Accuracy)
	require.WithinDuration(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), fix.CapturedAt, time.Second)
}

func TestClient_RequestFix_NoFix(t *testing.T) {
	for _, body := range []string{`{"mode":1}`, `{"lat":1}`} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		_, err := New(srv.URL, "").RequestFix(context.Background(), position.AccuracyLow, time.Second)
		require.ErrorIs(t, err, position.ErrNoFix)
		srv.Close()
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	_, err := New(srv.URL, "").RequestFix(context.Background(), position.AccuracyLow, time.Second)
	require.ErrorIs(t, err, position.ErrNoFix)
}

func TestClient_RequestFix_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").RequestFix(context.Background(), position.AccuracyHigh, time.Second)
	require.Error(t, err)
	require.NotErrorIs(t, err, position.ErrNoFix)
}

func TestClient_RequestFix_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := New(srv.URL, "").RequestFix(context.Background(), position.AccuracyHigh, 30*time.Millisecond)
	require.Error(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
}
