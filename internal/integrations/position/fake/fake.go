package fake

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/GeoSync/internal/geo"
	"github.com/BearBump/GeoSync/internal/integrations/position"
	"github.com/BearBump/GeoSync/internal/models"
)

// Step is one scripted answer of the fake source.
// Hang makes the request block until its timeout or cancellation.
type Step struct {
	Fix   *models.PositionFix
	Err   error
	Delay time.Duration
	Hang  bool
}

// Source: заглушка GPS для демо и тестов. Сначала отдаёт шаги сценария,
// затем (если задан центр) делает случайное блуждание вокруг него.
type Source struct {
	mu    sync.Mutex
	steps []Step
	walk  bool
	cur   geo.Point
	stepM float64
	r     *rand.Rand
	now   func() time.Time
	calls atomic.Int64
}

// NewScripted replays steps in order. Once exhausted every request fails
// with position.ErrNoFix.
func NewScripted(steps ...Step) *Source {
	return &Source{steps: steps, now: time.Now}
}

// NewWalk random-walks around center, moving up to stepMeters per fix.
func NewWalk(center geo.Point, stepMeters float64, seed int64) *Source {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Source{
		walk:  true,
		cur:   center,
		stepM: stepMeters,
		r:     rand.New(rand.NewSource(seed)),
		now:   time.Now,
	}
}

// Calls returns how many fixes were requested so far.
func (s *Source) Calls() int64 { return s.calls.Load() }

func (s *Source) RequestFix(ctx context.Context, _ position.Accuracy, timeout time.Duration) (models.PositionFix, error) {
	s.calls.Add(1)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	st, ok := s.next()
	if !ok {
		return models.PositionFix{}, position.ErrNoFix
	}
	if st.Hang {
		<-ctx.Done()
		return models.PositionFix{}, ctx.Err()
	}
	if st.Delay > 0 {
		t := time.NewTimer(st.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return models.PositionFix{}, ctx.Err()
		case <-t.C:
		}
	}
	if st.Err != nil {
		return models.PositionFix{}, st.Err
	}
	return *st.Fix, nil
}

func (s *Source) next() (Step, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.steps) > 0 {
		st := s.steps[0]
		s.steps = s.steps[1:]
		return st, true
	}
	if !s.walk {
		return Step{}, false
	}
	if s.stepM > 0 {
		s.cur = geo.Destination(s.cur, s.r.Float64()*360, s.r.Float64()*s.stepM)
	}
	fix := models.PositionFix{
		Latitude:   s.cur.Lat,
		Longitude:  s.cur.Lon,
		Accuracy:   5 + s.r.Float64()*10,
		CapturedAt: s.now().UTC(),
	}
	return Step{Fix: &fix}, true
}

// FixAt is a helper for building scripted steps.
func FixAt(lat, lon float64, at time.Time) Step {
	return Step{Fix: &models.PositionFix{Latitude: lat, Longitude: lon, CapturedAt: at}}
}
