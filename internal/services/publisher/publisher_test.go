package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/GeoSync/internal/geo"
	"github.com/BearBump/GeoSync/internal/integrations/position"
	"github.com/BearBump/GeoSync/internal/integrations/position/fake"
	"github.com/BearBump/GeoSync/internal/models"
	"github.com/BearBump/GeoSync/internal/syncerr"
	"github.com/stretchr/testify/require"
)

type staticSession string

func (s staticSession) UserID() (string, bool) { return string(s), s != "" }

type writeCall struct {
	entityID  string
	lat, lon  float64
	updatedAt time.Time
}

type fakeWriter struct {
	mu    sync.Mutex
	calls []writeCall
	errs  []error
	gate  chan struct{}
}

func (w *fakeWriter) WriteLocation(ctx context.Context, entityID string, lat, lon float64, updatedAt time.Time) error {
	if w.gate != nil {
		select {
		case <-w.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, writeCall{entityID, lat, lon, updatedAt})
	if len(w.errs) > 0 {
		err := w.errs[0]
		w.errs = w.errs[1:]
		return err
	}
	return nil
}

func (w *fakeWriter) Calls() []writeCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]writeCall(nil), w.calls...)
}

func fastSettings() Settings {
	return Settings{
		BaseDelay:      time.Millisecond,
		FixTimeout:     50 * time.Millisecond,
		SampleInterval: time.Millisecond,
		WriteTimeout:   time.Second,
	}
}

func newTestPublisher(src position.Source, w LocationWriter) *Publisher {
	return New(src, w, staticSession("u1"), position.StaticPermission(true)).WithSettings(fastSettings())
}

func TestStart_NoSession_PermissionDenied(t *testing.T) {
	src := fake.NewScripted()
	p := New(src, &fakeWriter{}, staticSession(""), position.StaticPermission(true))

	err := p.Start()
	require.True(t, syncerr.Is(err, syncerr.PermissionDenied))
	require.Equal(t, models.PhaseIdle, p.State().Phase)
	require.NotNil(t, p.State().LastError)
	require.Equal(t, syncerr.PermissionDenied, *p.State().LastError)
	require.Zero(t, src.Calls())
}

func TestStart_NoPermission_PermissionDenied(t *testing.T) {
	src := fake.NewScripted()
	p := New(src, &fakeWriter{}, staticSession("u1"), position.StaticPermission(false))

	err := p.Start()
	require.ErrorIs(t, err, syncerr.New(syncerr.PermissionDenied, ""))
	require.False(t, p.State().IsActive)
	require.Zero(t, src.Calls())
}

func TestFixesWrittenInOrder_LastFixWins(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	t1 := t0.Add(30 * time.Second)
	src := fake.NewScripted(fake.FixAt(-6.21, 106.85, t0), fake.FixAt(-6.20, 106.84, t1), fake.Step{Hang: true})
	w := &fakeWriter{}

	var mu sync.Mutex
	var observed []models.PositionFix
	p := newTestPublisher(src, w).WithSettings(Settings{FixTimeout: time.Hour}).
		WithFixObserver(func(entityID string, fix models.PositionFix) {
			mu.Lock()
			observed = append(observed, fix)
			mu.Unlock()
		})

	require.NoError(t, p.Start())
	defer p.Stop()

	require.Eventually(t, func() bool {
		st := p.State()
		return st.LastFix != nil && st.LastFix.CapturedAt.Equal(t1)
	}, 2*time.Second, 5*time.Millisecond)

	st := p.State()
	require.Equal(t, -6.20, st.LastFix.Latitude)
	require.Equal(t, 106.84, st.LastFix.Longitude)
	require.Zero(t, st.ConsecutiveFailures)

	calls := w.Calls()
	require.NotEmpty(t, calls)
	require.Equal(t, "u1", calls[len(calls)-1].entityID)
	require.Equal(t, t1, calls[len(calls)-1].updatedAt)
	for i := 1; i < len(calls); i++ {
		require.False(t, calls[i].updatedAt.Before(calls[i-1].updatedAt))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) > 0 && observed[len(observed)-1].CapturedAt.Equal(t1)
	}, time.Second, 5*time.Millisecond)
}

func TestWriteFailure_DoesNotStopTracking(t *testing.T) {
	t0 := time.Now().UTC()
	src := fake.NewScripted(fake.FixAt(1, 1, t0), fake.FixAt(2, 2, t0.Add(time.Second)), fake.FixAt(3, 3, t0.Add(2*time.Second)), fake.Step{Hang: true})
	w := &fakeWriter{errs: []error{errors.New("unavailable"), errors.New("unavailable")}}
	p := newTestPublisher(src, w).WithSettings(Settings{FixTimeout: time.Hour, SampleInterval: 20 * time.Millisecond})

	require.NoError(t, p.Start())
	defer p.Stop()

	require.Eventually(t, func() bool {
		st := p.State()
		return st.LastFix != nil && st.LastFix.Latitude == 3
	}, 2*time.Second, 5*time.Millisecond)

	st := p.State()
	require.Equal(t, models.PhaseActive, st.Phase)
	require.Zero(t, st.ConsecutiveFailures)
	require.Nil(t, st.LastError)
	require.Len(t, w.Calls(), 3)
	require.Equal(t, int64(2), p.Stats().TotalWriteErrors)
}

func TestWriteFailure_CountsConsecutive(t *testing.T) {
	t0 := time.Now().UTC()
	src := fake.NewScripted(fake.FixAt(1, 1, t0), fake.FixAt(2, 2, t0.Add(time.Second)), fake.Step{Hang: true})
	w := &fakeWriter{errs: []error{errors.New("a"), errors.New("b")}}
	p := newTestPublisher(src, w).WithSettings(Settings{FixTimeout: time.Hour, SampleInterval: 20 * time.Millisecond})

	require.NoError(t, p.Start())
	defer p.Stop()

	require.Eventually(t, func() bool { return p.State().ConsecutiveFailures == 2 }, 2*time.Second, 5*time.Millisecond)
	st := p.State()
	require.True(t, st.IsActive)
	require.Nil(t, st.LastFix)
	require.Equal(t, syncerr.TransportError, *st.LastError)
}

func TestBackoffBound_FailsAfterMaxAttempts(t *testing.T) {
	boom := errors.New("no satellites")
	src := fake.NewScripted(fake.Step{Err: boom}, fake.Step{Err: boom}, fake.Step{Err: boom}, fake.FixAt(1, 1, time.Now()))
	p := newTestPublisher(src, &fakeWriter{})

	require.NoError(t, p.Start())
	require.Eventually(t, func() bool { return p.State().Phase == models.PhaseFailed }, 2*time.Second, 2*time.Millisecond)

	st := p.State()
	require.False(t, st.IsActive)
	require.Equal(t, syncerr.LocationUnavailable, *st.LastError)
	require.Equal(t, DefaultMaxAttempts, st.FixFailures)

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int64(DefaultMaxAttempts), src.Calls())

	// explicit restart resumes requests
	require.NoError(t, p.Start())
	defer p.Stop()
	require.Eventually(t, func() bool { return src.Calls() > int64(DefaultMaxAttempts) }, time.Second, 2*time.Millisecond)
}

func TestBackoff_RecoversAfterSuccess(t *testing.T) {
	boom := errors.New("weak signal")
	t0 := time.Now().UTC()
	src := fake.NewScripted(fake.Step{Err: boom}, fake.Step{Err: boom}, fake.FixAt(5, 5, t0), fake.Step{Hang: true})
	p := newTestPublisher(src, &fakeWriter{}).WithSettings(Settings{FixTimeout: time.Hour})

	require.NoError(t, p.Start())
	defer p.Stop()

	require.Eventually(t, func() bool {
		st := p.State()
		return st.LastFix != nil && st.Phase == models.PhaseActive
	}, 2*time.Second, 2*time.Millisecond)
	require.Zero(t, p.State().FixFailures)
}

func TestFixTimeout_FeedsBackoff(t *testing.T) {
	src := fake.NewScripted(fake.Step{Hang: true}, fake.Step{Hang: true}, fake.Step{Hang: true})
	p := newTestPublisher(src, &fakeWriter{}).WithSettings(Settings{FixTimeout: 10 * time.Millisecond})

	require.NoError(t, p.Start())
	defer p.Stop()

	require.Eventually(t, func() bool { return p.State().Phase == models.PhaseFailed }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, int64(3), src.Calls())
}

func TestBackoffDelay(t *testing.T) {
	p := New(nil, nil, nil, nil)
	require.Equal(t, 2*time.Second, p.BackoffDelay(0))
	require.Equal(t, 2*time.Second, p.BackoffDelay(1))
	require.Equal(t, 4*time.Second, p.BackoffDelay(2))
	require.Equal(t, 6*time.Second, p.BackoffDelay(3))
	require.Equal(t, 6*time.Second, p.BackoffDelay(10))
}

func TestStop_IdempotentFromAnyState(t *testing.T) {
	// Idle
	p := newTestPublisher(fake.NewScripted(), &fakeWriter{})
	for i := 0; i < 3; i++ {
		p.Stop()
	}
	require.Equal(t, models.PhaseIdle, p.State().Phase)

	// Backoff with a long timer: Stop must not wait for it
	boom := errors.New("x")
	src := fake.NewScripted(fake.Step{Err: boom})
	p = newTestPublisher(src, &fakeWriter{}).WithSettings(Settings{BaseDelay: time.Hour})
	require.NoError(t, p.Start())
	require.Eventually(t, func() bool { return p.State().Phase == models.PhaseBackoff }, time.Second, time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		p.Stop()
	}
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, models.PhaseIdle, p.State().Phase)
	require.False(t, p.State().IsActive)
	require.Equal(t, int64(1), src.Calls())

	// Active with a write blocked in flight
	w := &fakeWriter{gate: make(chan struct{})}
	src = fake.NewScripted(fake.FixAt(1, 1, time.Now()), fake.Step{Hang: true})
	p = newTestPublisher(src, w).WithSettings(Settings{FixTimeout: time.Hour})
	require.NoError(t, p.Start())
	require.Eventually(t, func() bool { return src.Calls() >= 2 }, time.Second, time.Millisecond)
	p.Stop()
	p.Stop()
	require.Equal(t, models.PhaseIdle, p.State().Phase)
	require.Empty(t, w.Calls())

	// Failed
	src = fake.NewScripted(fake.Step{Err: boom}, fake.Step{Err: boom}, fake.Step{Err: boom})
	p = newTestPublisher(src, &fakeWriter{})
	require.NoError(t, p.Start())
	require.Eventually(t, func() bool { return p.State().Phase == models.PhaseFailed }, time.Second, time.Millisecond)
	p.Stop()
	p.Stop()
	require.Equal(t, models.PhaseIdle, p.State().Phase)
}

func TestNoStateChangesAfterStop(t *testing.T) {
	src := fake.NewWalk(geo.Point{Lat: 55.75, Lon: 37.61}, 10, 7)
	p := newTestPublisher(src, &fakeWriter{})
	require.NoError(t, p.Start())
	require.Eventually(t, func() bool { return p.State().LastFix != nil }, time.Second, time.Millisecond)

	p.Stop()
	v := p.state.Version()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, v, p.state.Version())
}

func TestStartTwice_IsNoop(t *testing.T) {
	src := fake.NewScripted(fake.Step{Hang: true})
	p := newTestPublisher(src, &fakeWriter{}).WithSettings(Settings{FixTimeout: time.Hour})

	require.NoError(t, p.Start())
	defer p.Stop()
	p.mu.Lock()
	first := p.run
	p.mu.Unlock()

	require.NoError(t, p.Start())
	p.mu.Lock()
	require.Same(t, first, p.run)
	p.mu.Unlock()
	require.Eventually(t, func() bool { return src.Calls() == 1 }, time.Second, time.Millisecond)
}

func TestToggle(t *testing.T) {
	src := fake.NewScripted(fake.Step{Hang: true}, fake.Step{Hang: true})
	p := newTestPublisher(src, &fakeWriter{}).WithSettings(Settings{FixTimeout: time.Hour})

	require.NoError(t, p.Toggle())
	require.True(t, p.State().IsActive)

	require.NoError(t, p.Toggle())
	require.Equal(t, models.PhaseIdle, p.State().Phase)

	denied := New(src, &fakeWriter{}, staticSession(""), position.StaticPermission(true))
	require.True(t, syncerr.Is(denied.Toggle(), syncerr.PermissionDenied))
}

func TestSlowWrite_LatestFixWins(t *testing.T) {
	gate := make(chan struct{})
	w := &fakeWriter{gate: gate}
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	steps := make([]fake.Step, 0, 6)
	for i := 0; i < 5; i++ {
		steps = append(steps, fake.FixAt(float64(i), float64(i), t0.Add(time.Duration(i)*time.Second)))
	}
	steps = append(steps, fake.Step{Hang: true})
	src := fake.NewScripted(steps...)
	p := newTestPublisher(src, w).WithSettings(Settings{FixTimeout: time.Hour})

	require.NoError(t, p.Start())
	defer p.Stop()

	// all five fixes sampled while the first write is stuck
	require.Eventually(t, func() bool { return src.Calls() == 6 }, time.Second, time.Millisecond)
	close(gate)

	require.Eventually(t, func() bool {
		st := p.State()
		return st.LastFix != nil && st.LastFix.Latitude == 4
	}, time.Second, time.Millisecond)
	require.Less(t, len(w.Calls()), 5)
	require.Positive(t, p.Stats().TotalDropped)
}
