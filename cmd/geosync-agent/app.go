package main

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/BearBump/GeoSync/config"
	"github.com/BearBump/GeoSync/internal/auth"
	"github.com/BearBump/GeoSync/internal/engine"
	"github.com/BearBump/GeoSync/internal/integrations/position"
	"github.com/BearBump/GeoSync/internal/models"
	"github.com/BearBump/GeoSync/internal/services/auditpager"
	"github.com/BearBump/GeoSync/internal/services/publisher"
	"github.com/BearBump/GeoSync/internal/services/subscriptions"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type agentOpts struct {
	httpAddr    string
	grpcAddr    string
	swaggerPath string

	onListen func(grpcAddr, httpAddr string)
}

// RunAgent runs one engine session plus its operator surfaces until ctx is
// cancelled or one of them fails.
func RunAgent(ctx context.Context, cfg *config.Config, f agentFactories, opts agentOpts) error {
	session, err := newSession(cfg)
	if err != nil {
		return err
	}

	b, err := buildBackend(ctx, cfg, f)
	if err != nil {
		return err
	}
	defer b.Close()

	eng, err := engine.New(engine.Deps{
		Session:    session,
		Source:     f.newSource(cfg),
		Permission: position.StaticPermission(cfg.GeoSync.LocationPermission),
		Writer:     b.gateway,
		Feed:       b.feed,
		Roles:      b.roles,
		Pages:      b.pages,
	}, engineSettings(cfg))
	if err != nil {
		return err
	}
	defer eng.Shutdown()

	grpcLis, err := net.Listen("tcp", opts.grpcAddr)
	if err != nil {
		return err
	}
	httpLis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		_ = grpcLis.Close()
		return err
	}
	if opts.onListen != nil {
		opts.onListen(grpcLis.Addr().String(), httpLis.Addr().String())
	}

	health := newHealth()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runGRPCServer(gctx, grpcLis, health)
	})
	g.Go(func() error {
		return runHTTPServer(gctx, httpLis, httpDeps{
			engine:      eng,
			gateway:     b.gateway,
			session:     session,
			cfg:         cfg,
			swaggerPath: opts.swaggerPath,
			grpcAddr:    grpcLis.Addr().String(),
		})
	})
	g.Go(func() error {
		if err := eng.Start(gctx); err != nil {
			return errors.Wrap(err, "start engine")
		}
		health.serving(true)
		recordSessionStart(gctx, b, eng.UserID())

		<-gctx.Done()
		health.serving(false)
		eng.Shutdown()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newSession(cfg *config.Config) (*auth.Session, error) {
	if cfg.GeoSync.SessionToken != "" {
		return auth.NewSession(cfg.GeoSync.JWTSecret, cfg.GeoSync.SessionToken)
	}
	if cfg.GeoSync.DemoUserID != "" {
		slog.Warn("no session token, running as demo user", "user_id", cfg.GeoSync.DemoUserID)
		return auth.StaticSession(cfg.GeoSync.DemoUserID), nil
	}
	// без сессии движок поднимется, но подписки и трекинг будут отклонены
	return auth.NewSession("", "")
}

func engineSettings(cfg *config.Config) engine.Settings {
	gs := cfg.GeoSync

	subs := make([]subscriptions.Spec, 0, len(gs.Subscriptions))
	for _, sc := range gs.Subscriptions {
		subs = append(subs, subscriptions.Spec{
			Collection: strings.TrimSpace(sc.Collection),
			Filter:     models.Filter{IDs: sc.IDs},
		})
	}
	if len(subs) == 0 {
		subs = append(subs, subscriptions.Spec{Collection: models.CollectionLocations})
	}

	return engine.Settings{
		Publisher: publisher.Settings{
			MaxAttempts:    gs.MaxFailures,
			FixTimeout:     seconds(gs.FixTimeoutSeconds),
			SampleInterval: seconds(gs.SampleIntervalSeconds),
			WriteTimeout:   seconds(gs.WriteTimeoutSeconds),
			Accuracy:       accuracyFor(gs.AccuracyMeters),
		},
		Pager: auditpager.Settings{
			PageSize:     gs.PageSize,
			FetchTimeout: seconds(gs.FetchTimeoutSeconds),
		},
		OnlineWindow:  seconds(gs.OnlineWindowSeconds),
		StaleWindow:   seconds(gs.StaleWindowSeconds),
		AuditTail:     gs.AuditTail,
		Subscriptions: subs,
		AutoTrack:     gs.AutoTrack,
		NoEcho:        gs.NoEcho,
		OnSubscriptionError: func(spec subscriptions.Spec, err error) {
			slog.Error("subscription closed", "collection", spec.Collection, "error", err.Error())
		},
	}
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// accuracyFor maps a desired accuracy in meters onto a hardware hint.
func accuracyFor(meters float64) position.Accuracy {
	switch {
	case meters <= 0, meters <= 20:
		return position.AccuracyHigh
	case meters <= 100:
		return position.AccuracyBalanced
	default:
		return position.AccuracyLow
	}
}

func recordSessionStart(ctx context.Context, b *backend, userID string) {
	if userID == "" {
		return
	}
	_, err := b.gateway.AppendAudit(ctx, models.AuditEntry{
		ActorID:    userID,
		Action:     "session.start",
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("audit session start", "user_id", userID, "error", err.Error())
	}
}
