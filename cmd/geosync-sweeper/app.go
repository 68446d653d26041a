package main

import (
	"context"
	"fmt"
	"time"

	"github.com/BearBump/GeoSync/config"
	"github.com/BearBump/GeoSync/internal/cache/rediscache"
	"github.com/BearBump/GeoSync/internal/services/sweeper"
	"github.com/BearBump/GeoSync/internal/storage/mongostore"
	"github.com/BearBump/GeoSync/internal/storage/pgstore"
)

type sweeperFactories struct {
	newStorage     func(ctx context.Context, cfg *config.Config) (repo sweeper.Repository, closeFn func(), err error)
	newRateLimiter func(cfg *config.Config) sweeper.RateLimiter
}

func defaultSweeperFactories() sweeperFactories {
	return sweeperFactories{
		newStorage: func(ctx context.Context, cfg *config.Config) (sweeper.Repository, func(), error) {
			switch cfg.GeoSync.Backend {
			case "", "postgres":
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
				return nil, nil, fmt.Errorf("sweeper needs a shared backend, got %q", cfg.GeoSync.Backend)
			}
		},
		newRateLimiter: func(cfg *config.Config) sweeper.RateLimiter {
			if cfg.Redis.Host == "" {
				return nil
			}
			return rediscache.NewRateLimiter(cfg.Redis.Addr())
		},
	}
}

func newSweeper(cfg *config.Config, repo sweeper.Repository, rl sweeper.RateLimiter) *sweeper.Sweeper {
	gs := cfg.GeoSync

	offlineAfter := time.Duration(gs.OnlineWindowSeconds) * time.Second
	if offlineAfter <= 0 {
		offlineAfter = sweeper.DefaultOfflineAfter
	}
	interval := time.Duration(gs.SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batchSize := gs.SweepBatchSize
	if batchSize <= 0 {
		batchSize = sweeper.DefaultBatchSize
	}
	concurrency := gs.SweepConcurrency
	if concurrency <= 0 {
		concurrency = sweeper.DefaultConcurrency
	}
	rlPerMin := int64(gs.SweepRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = sweeper.DefaultPerMinute
	}

	return sweeper.New(repo, rl).
		WithSettings(offlineAfter, batchSize, concurrency, rlPerMin).
		WithSchedule(sweeper.ScheduleConfig{Interval: interval, Jitter: 0.1})
}

// RunSweeper runs the sweep loop and its operator HTTP surface until ctx is
// cancelled.
func RunSweeper(ctx context.Context, cfg *config.Config, f sweeperFactories, opts sweeperHTTPOpts) error {
	repo, closeFn, err := f.newStorage(ctx, cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	sw := newSweeper(cfg, repo, f.newRateLimiter(cfg))
	opts.sweeper = sw
	opts.cfg = cfg

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runSweeperHTTPServer(ctx, opts)
	}()

	runErr := sw.Run(ctx)
	if err := <-httpErr; err != nil && ctx.Err() == nil {
		return err
	}
	return runErr
}
