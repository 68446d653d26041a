package sweeper

import (
	"math/rand"
	"time"
)

type Rand interface {
	Int63n(n int64) int64
}

type ScheduleConfig struct {
	Interval time.Duration // default: 30 seconds
	// Jitter spreads replicas apart, a fraction of Interval in [0, 1).
	Jitter float64 // default: 0.1

	Backoff1 time.Duration // default: 5 seconds
	Backoff2 time.Duration // default: 30 seconds
	Backoff3 time.Duration // default: 2 minutes
}

func DefaultScheduleConfig() ScheduleConfig {
	return ScheduleConfig{
		Interval: 30 * time.Second,
		Jitter:   0.1,
		Backoff1: 5 * time.Second,
		Backoff2: 30 * time.Second,
		Backoff3: 2 * time.Minute,
	}
}

// Schedule decides how long the sweeper sleeps between cycles.
type Schedule struct {
	cfg ScheduleConfig
	r   Rand
}

func NewSchedule(cfg ScheduleConfig, r Rand) *Schedule {
	def := DefaultScheduleConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}
	if cfg.Backoff1 <= 0 {
		cfg.Backoff1 = def.Backoff1
	}
	if cfg.Backoff2 <= 0 {
		cfg.Backoff2 = def.Backoff2
	}
	if cfg.Backoff3 <= 0 {
		cfg.Backoff3 = def.Backoff3
	}
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Schedule{cfg: cfg, r: r}
}

// NextDelay returns the pause before the next cycle. failStreak counts the
// cycles that failed in a row; zero means the last one succeeded.
func (s *Schedule) NextDelay(failStreak int) time.Duration {
	switch {
	case failStreak <= 0:
		return s.jittered(s.cfg.Interval)
	case failStreak == 1:
		return s.cfg.Backoff1
	case failStreak == 2:
		return s.cfg.Backoff2
	default:
		return s.cfg.Backoff3
	}
}

func (s *Schedule) jittered(d time.Duration) time.Duration {
	span := int64(float64(d) * s.cfg.Jitter)
	if span <= 0 {
		return d
	}
	return d - time.Duration(span) + time.Duration(s.r.Int63n(2*span+1))
}
