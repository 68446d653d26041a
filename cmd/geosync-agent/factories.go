package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BearBump/GeoSync/config"
	"github.com/BearBump/GeoSync/internal/broker/kafka"
	"github.com/BearBump/GeoSync/internal/broker/messages"
	"github.com/BearBump/GeoSync/internal/broker/redisfeed"
	"github.com/BearBump/GeoSync/internal/cache/rediscache"
	"github.com/BearBump/GeoSync/internal/geo"
	"github.com/BearBump/GeoSync/internal/integrations/position"
	"github.com/BearBump/GeoSync/internal/integrations/position/fake"
	"github.com/BearBump/GeoSync/internal/integrations/position/gpshttp"
	"github.com/BearBump/GeoSync/internal/models"
	"github.com/BearBump/GeoSync/internal/remote"
	"github.com/BearBump/GeoSync/internal/services/auditpager"
	"github.com/BearBump/GeoSync/internal/services/subscriptions"
	"github.com/BearBump/GeoSync/internal/storage/memstore"
	"github.com/BearBump/GeoSync/internal/storage/mongostore"
	"github.com/BearBump/GeoSync/internal/storage/pgstore"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// documentStore is what every backend offers: the write path, a native
// change feed, role lookup, audit paging and a snapshot for external feeds.
type documentStore interface {
	remote.DocumentStore
	subscriptions.Feed
	subscriptions.RoleChecker
	auditpager.PageQuerier
	Snapshot(ctx context.Context, collection string, filter models.Filter) (models.ChangeBatch, error)
}

// changeFeed is an external feed that both announces and streams changes.
type changeFeed interface {
	subscriptions.Feed
	remote.ChangePublisher
}

// backend is the wired remote side of one agent.
type backend struct {
	gateway *remote.Gateway
	feed    subscriptions.Feed
	roles   subscriptions.RoleChecker
	pages   auditpager.PageQuerier
	closers []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

type agentFactories struct {
	newStore  func(ctx context.Context, cfg *config.Config) (st documentStore, closeFn func(), err error)
	newRedis  func(cfg *config.Config) *redis.Client
	newFeed   func(cfg *config.Config, rc *redis.Client, snap redisfeed.Snapshotter) (feed changeFeed, closeFn func(), err error)
	newSource func(cfg *config.Config) position.Source
}

func defaultAgentFactories() agentFactories {
	return agentFactories{
		newStore: func(ctx context.Context, cfg *config.Config) (documentStore, func(), error) {
			switch cfg.GeoSync.Backend {
			case "", "memory":
				st := memstore.New()
				if id := cfg.GeoSync.DemoUserID; id != "" {
					role := models.Role(cfg.GeoSync.DemoRole)
					if role == "" {
						role = models.RoleAdmin
					}
					st.SetRole(id, role)
				}
				return st, nil, nil
			case "postgres":
				st, err := pgstore.New(cfg.Database.ConnString())
				if err != nil {
					return nil, nil, err
				}
				return st, st.Close, nil
			case "mongo":
				st, err := mongostore.New(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
				if err != nil {
					return nil, nil, err
				}
				return st, st.Close, nil
			default:
				return nil, nil, fmt.Errorf("unknown backend %q", cfg.GeoSync.Backend)
			}
		},
		newRedis: func(cfg *config.Config) *redis.Client {
			if cfg.Redis.Host == "" {
				return nil
			}
			return redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr()})
		},
		// External feeds carry no history: a new subscriber starts from the
		// store's snapshot.
		newFeed: func(cfg *config.Config, rc *redis.Client, snap redisfeed.Snapshotter) (changeFeed, func(), error) {
			switch cfg.GeoSync.Feed {
			case "", "native":
				return nil, nil, nil
			case "kafka":
				topic := cfg.Kafka.ChangesTopicName
				if topic == "" {
					topic = messages.ChangesTopic
				}
				p := kafka.NewProducer(cfg.Kafka.Brokers(), topic)
				f := kafkaChangeFeed{Producer: p, Feed: kafka.NewFeed(cfg.Kafka.Brokers(), topic).WithSnapshot(snap)}
				return f, func() { _ = p.Close() }, nil
			case "redis":
				if rc == nil {
					return nil, nil, errors.New("redis feed needs redis.host")
				}
				prefix := cfg.Redis.ChannelPrefix
				if prefix == "" {
					prefix = "geosync"
				}
				return redisfeed.New(rc, prefix).WithSnapshot(snap), nil, nil
			default:
				return nil, nil, fmt.Errorf("unknown feed %q", cfg.GeoSync.Feed)
			}
		},
		newSource: func(cfg *config.Config) position.Source {
			// gpshttp, если задан base_url; иначе локальный random walk.
			if cfg.GeoSync.PositionSource == "gpshttp" && cfg.GeoSync.PositionBaseURL != "" {
				return gpshttp.New(cfg.GeoSync.PositionBaseURL, cfg.GeoSync.PositionAPIKey)
			}
			step := cfg.GeoSync.FakeStepMeters
			if step <= 0 {
				step = 25
			}
			seed := cfg.GeoSync.FakeSeed
			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			return fake.NewWalk(geo.Point{Lat: cfg.GeoSync.FakeCenterLat, Lon: cfg.GeoSync.FakeCenterLon}, step, seed)
		},
	}
}

type kafkaChangeFeed struct {
	*kafka.Producer
	*kafka.Feed
}

// buildBackend wires store, feed and the redis helpers together.
func buildBackend(ctx context.Context, cfg *config.Config, f agentFactories) (*backend, error) {
	b := &backend{}

	st, closeStore, err := f.newStore(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	if closeStore != nil {
		b.closers = append(b.closers, closeStore)
	}

	rc := f.newRedis(cfg)
	if rc != nil {
		b.closers = append(b.closers, func() { _ = rc.Close() })
	}

	feed, closeFeed, err := f.newFeed(cfg, rc, st)
	if err != nil {
		b.Close()
		return nil, errors.Wrap(err, "open change feed")
	}
	if closeFeed != nil {
		b.closers = append(b.closers, closeFeed)
	}

	var (
		pub     remote.ChangePublisher
		limiter remote.Limiter
	)
	b.feed = st
	if feed != nil {
		b.feed = feed
		pub = feed
	}

	b.roles = st
	if rc != nil {
		limiter = rediscache.NewRateLimiterWithClient(rc)
		ttl := time.Duration(cfg.GeoSync.RoleCacheTTLSeconds) * time.Second
		b.roles = rediscache.NewRoleCache(st, rediscache.NewWithClient(rc), ttl)
	}

	perMin := int64(cfg.GeoSync.WriteRateLimitPerMinute)
	if perMin <= 0 {
		perMin = remote.DefaultWriteLimit
	}
	b.gateway = remote.New(st, pub, limiter).WithWriteLimit(perMin, time.Minute)
	b.pages = st

	slog.Info("backend wired",
		"backend", nonEmpty(cfg.GeoSync.Backend, "memory"),
		"feed", nonEmpty(cfg.GeoSync.Feed, "native"),
		"redis", rc != nil,
	)
	return b, nil
}

func nonEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
