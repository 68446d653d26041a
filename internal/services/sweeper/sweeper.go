// Package sweeper flips the online flag of entities that stopped reporting.
// Every client then sees the same offline state, even one that was not
// subscribed when the entity went quiet.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

type Repository interface {
	StaleOnline(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	MarkOffline(ctx context.Context, entityID string, cutoff time.Time) (bool, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

const (
	DefaultOfflineAfter = 5 * time.Minute
	DefaultBatchSize    = 200
	DefaultConcurrency  = 8
	DefaultPerMinute    = 1200
)

type Sweeper struct {
	repo Repository
	rl   RateLimiter

	schedule *Schedule

	offlineAfter       time.Duration
	batchSize          int
	concurrency        int
	rateLimitPerMinute int64

	triggerCh chan struct{}
	now       func() time.Time

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalScanned        atomic.Int64
	totalMarked         atomic.Int64
	totalSkipped        atomic.Int64
	totalErrors         atomic.Int64
	totalLimited        atomic.Int64
	inFlight            atomic.Int64
	failStreak          atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

// New builds a sweeper; rl may be nil.
func New(repo Repository, rl RateLimiter) *Sweeper {
	return &Sweeper{
		repo:               repo,
		rl:                 rl,
		schedule:           NewSchedule(DefaultScheduleConfig(), nil),
		offlineAfter:       DefaultOfflineAfter,
		batchSize:          DefaultBatchSize,
		concurrency:        DefaultConcurrency,
		rateLimitPerMinute: DefaultPerMinute,
		triggerCh:          make(chan struct{}, 1),
		now:                time.Now,
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (s *Sweeper) WithSettings(offlineAfter time.Duration, batchSize, concurrency int, rlPerMin int64) *Sweeper {
	if offlineAfter > 0 {
		s.offlineAfter = offlineAfter
	}
	if batchSize > 0 {
		s.batchSize = batchSize
	}
	if concurrency > 0 {
		s.concurrency = concurrency
	}
	if rlPerMin > 0 {
		s.rateLimitPerMinute = rlPerMin
	}
	return s
}

func (s *Sweeper) WithSchedule(cfg ScheduleConfig) *Sweeper {
	s.schedule = NewSchedule(cfg, nil)
	return s
}

func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	if now != nil {
		s.now = now
	}
	return s
}

// Trigger forces an immediate sweep (best-effort, non-blocking).
func (s *Sweeper) Trigger() {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastCycleAt   *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	TotalScanned  int64      `json:"totalScanned"`
	TotalMarked   int64      `json:"totalMarked"`
	TotalSkipped  int64      `json:"totalSkipped"`
	TotalErrors   int64      `json:"totalErrors"`
	TotalLimited  int64      `json:"totalLimited"`
	InFlight      int64      `json:"inFlight"`
	FailStreak    int64      `json:"failStreak"`
	LastError     string     `json:"lastError,omitempty"`
}

func (s *Sweeper) Stats() Stats {
	st := Stats{
		StartedAt:    time.Unix(0, s.startedAtUnixNano).UTC(),
		TotalScanned: s.totalScanned.Load(),
		TotalMarked:  s.totalMarked.Load(),
		TotalSkipped: s.totalSkipped.Load(),
		TotalErrors:  s.totalErrors.Load(),
		TotalLimited: s.totalLimited.Load(),
		InFlight:     s.inFlight.Load(),
		FailStreak:   s.failStreak.Load(),
	}
	if n := s.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := s.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

// Run sweeps until ctx is done. A failed cycle backs off before the next one.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTimer(0)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		case <-s.triggerCh:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		}

		if err := s.runOnce(ctx); err != nil && ctx.Err() == nil {
			s.failStreak.Add(1)
		} else {
			s.failStreak.Store(0)
		}
		t.Reset(s.schedule.NextDelay(int(s.failStreak.Load())))
	}
}

// runOnce marks one batch of stale entities offline.
func (s *Sweeper) runOnce(ctx context.Context) error {
	now := s.now().UTC()
	s.lastCycleUnixNano.Store(now.UnixNano())
	cutoff := now.Add(-s.offlineAfter)

	ids, err := s.repo.StaleOnline(ctx, cutoff, s.batchSize)
	if err != nil {
		s.recordError(err)
		slog.Error("list stale entities", "error", err.Error())
		return err
	}
	s.totalScanned.Add(int64(len(ids)))
	if len(ids) == 0 {
		return nil
	}

	allowed, err := s.allowance(ctx, now, len(ids))
	if err != nil {
		s.recordError(err)
		return err
	}
	if allowed < len(ids) {
		s.totalLimited.Add(int64(len(ids) - allowed))
		slog.Warn("sweep rate limited", "stale", len(ids), "allowed", allowed)
		ids = ids[:allowed]
	}

	var failed atomic.Int64
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		sem <- struct{}{}
		wg.Add(1)
		s.inFlight.Add(1)
		go func() {
			defer func() {
				s.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			changed, err := s.repo.MarkOffline(ctx, id, cutoff)
			switch {
			case err != nil:
				failed.Add(1)
				s.recordError(err)
				slog.Error("mark offline", "entity_id", id, "error", err.Error())
			case changed:
				s.totalMarked.Add(1)
			default:
				// успел отчитаться между выборкой и обновлением
				s.totalSkipped.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := failed.Load(); n > 0 {
		return errors.Errorf("%d of %d entities not marked offline", n, len(ids))
	}
	return nil
}

// allowance takes want tokens from the shared per-minute budget and returns
// how many were granted.
func (s *Sweeper) allowance(ctx context.Context, now time.Time, want int) (int, error) {
	if s.rl == nil || s.rateLimitPerMinute <= 0 {
		return want, nil
	}
	key := fmt.Sprintf("geosync:rl:sweep:%s", now.Format("200601021504"))
	granted := 0
	for granted < want {
		ok, _, err := s.rl.Allow(ctx, key, s.rateLimitPerMinute, 70*time.Second)
		if err != nil {
			return granted, errors.Wrap(err, "sweep rate limit")
		}
		if !ok {
			break
		}
		granted++
	}
	return granted, nil
}

func (s *Sweeper) recordError(err error) {
	s.totalErrors.Add(1)
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
}
