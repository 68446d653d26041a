package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/BearBump/GeoSync/config"
	"github.com/BearBump/GeoSync/internal/auth"
	"github.com/BearBump/GeoSync/internal/engine"
	"github.com/BearBump/GeoSync/internal/geo"
	"github.com/BearBump/GeoSync/internal/models"
	"github.com/BearBump/GeoSync/internal/remote"
	"github.com/BearBump/GeoSync/internal/syncerr"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"
)

const grpcHealthPath = "/grpc/healthz"

type httpDeps struct {
	engine      *engine.Engine
	gateway     *remote.Gateway
	session     *auth.Session
	cfg         *config.Config
	swaggerPath string
	grpcAddr    string
}

func runHTTPServer(ctx context.Context, lis net.Listener, d httpDeps) error {
	r, closeFn, err := newRouter(d)
	if err != nil {
		_ = lis.Close()
		return err
	}
	defer closeFn()

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newRouter(d httpDeps) (http.Handler, func(), error) {
	r := chi.NewRouter()
	closeFn := func() {}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(d.engine.Handles()) == 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"engine":  d.engine.Stats(),
			"gateway": d.gateway.Stats(),
		})
	})
	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, operationalConfig(d.cfg))
	})

	r.Route("/tracking", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, d.engine.Publisher().State())
		})
		r.Post("/start", func(w http.ResponseWriter, r *http.Request) {
			respondTracking(w, d.engine, d.engine.Publisher().Start())
		})
		r.Post("/stop", func(w http.ResponseWriter, r *http.Request) {
			d.engine.Publisher().Stop()
			respondTracking(w, d.engine, nil)
		})
		r.Post("/toggle", func(w http.ResponseWriter, r *http.Request) {
			respondTracking(w, d.engine, d.engine.Publisher().Toggle())
		})
	})

	r.Get("/entities", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.engine.Entities().Snapshot())
	})
	r.Get("/entities/{id}", func(w http.ResponseWriter, r *http.Request) {
		ent, ok := d.engine.Entities().Get(chi.URLParam(r, "id"))
		if !ok {
			writeError(w, http.StatusNotFound, "entity not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"entity": ent,
			"online": d.engine.Presence().IsOnline(ent.ID),
		})
	})

	r.Route("/presence", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"summary": d.engine.Presence().Summary(),
				"online":  d.engine.Presence().OnlineEntities(),
			})
		})
		r.Get("/nearby", func(w http.ResponseWriter, r *http.Request) {
			center, radius, err := nearbyParams(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, d.engine.Presence().Nearby(center, radius))
		})
	})

	r.Route("/audit", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, d.engine.Pager().View())
		})
		r.Get("/tail", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, d.engine.AuditTail().Entries())
		})
		r.Post("/refresh", func(w http.ResponseWriter, r *http.Request) {
			respondPage(w, d.engine, d.engine.Pager().Refresh(r.Context()))
		})
		r.Post("/more", func(w http.ResponseWriter, r *http.Request) {
			respondPage(w, d.engine, d.engine.Pager().LoadMore(r.Context()))
		})
		r.Post("/filter", func(w http.ResponseWriter, r *http.Request) {
			var f models.AuditFilter
			if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
				writeError(w, http.StatusBadRequest, "invalid filter: "+err.Error())
				return
			}
			respondPage(w, d.engine, d.engine.Pager().LoadFiltered(r.Context(), f))
		})
		r.Post("/entries", func(w http.ResponseWriter, r *http.Request) {
			userID, ok := d.session.UserID()
			if !ok {
				writeError(w, http.StatusForbidden, "no session")
				return
			}
			var e models.AuditEntry
			if err := json.NewDecoder(r.Body).Decode(&e); err != nil || e.Action == "" {
				writeError(w, http.StatusBadRequest, "action is required")
				return
			}
			e.ActorID = userID
			e.OccurredAt = time.Now().UTC()
			id, err := d.gateway.AppendAudit(r.Context(), e)
			if err != nil {
				writeError(w, http.StatusBadGateway, err.Error())
				return
			}
			writeJSON(w, http.StatusCreated, map[string]string{"id": id})
		})
	})

	if d.grpcAddr != "" {
		mux, closeConn, err := newHealthGateway(d.grpcAddr, grpcHealthPath)
		if err != nil {
			return nil, nil, err
		}
		closeFn = closeConn
		r.Handle(grpcHealthPath, mux)
	}

	if d.swaggerPath != "" {
		r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-store")
			http.ServeFile(w, r, d.swaggerPath)
		})
		swaggerURL := "/swagger.json"
		if fi, err := os.Stat(d.swaggerPath); err == nil {
			swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
		}
		r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
	}

	return r, closeFn, nil
}

func respondTracking(w http.ResponseWriter, eng *engine.Engine, err error) {
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, eng.Publisher().State())
}

func respondPage(w http.ResponseWriter, eng *engine.Engine, err error) {
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, eng.Pager().View())
}

func statusFor(err error) int {
	kind, _ := syncerr.KindOf(err)
	switch kind {
	case syncerr.PermissionDenied:
		return http.StatusForbidden
	case syncerr.FetchFailed, syncerr.TransportError:
		return http.StatusBadGateway
	case syncerr.LocationUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func nearbyParams(r *http.Request) (geo.Point, float64, error) {
	q := r.URL.Query()
	lat, err := strconv.ParseFloat(q.Get("lat"), 64)
	if err != nil {
		return geo.Point{}, 0, errors.New("lat is required")
	}
	lon, err := strconv.ParseFloat(q.Get("lon"), 64)
	if err != nil {
		return geo.Point{}, 0, errors.New("lon is required")
	}
	p := geo.Point{Lat: lat, Lon: lon}
	if !p.Valid() {
		return geo.Point{}, 0, errors.New("coordinates out of range")
	}
	radius := 1000.0
	if s := q.Get("radius"); s != "" {
		radius, err = strconv.ParseFloat(s, 64)
		if err != nil || radius <= 0 {
			return geo.Point{}, 0, errors.New("radius must be a positive number of meters")
		}
	}
	return p, radius, nil
}

// operationalConfig hides secrets and connection strings.
func operationalConfig(cfg *config.Config) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	gs := cfg.GeoSync
	return map[string]any{
		"backend":                 nonEmpty(gs.Backend, "memory"),
		"feed":                    nonEmpty(gs.Feed, "native"),
		"positionSource":          nonEmpty(gs.PositionSource, "fake"),
		"locationPermission":      gs.LocationPermission,
		"autoTrack":               gs.AutoTrack,
		"sampleIntervalSeconds":   gs.SampleIntervalSeconds,
		"fixTimeoutSeconds":       gs.FixTimeoutSeconds,
		"maxFailures":             gs.MaxFailures,
		"pageSize":                gs.PageSize,
		"onlineWindowSeconds":     gs.OnlineWindowSeconds,
		"staleWindowSeconds":      gs.StaleWindowSeconds,
		"writeRateLimitPerMinute": gs.WriteRateLimitPerMinute,
		"subscriptions":           gs.Subscriptions,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
