package publisher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/GeoSync/internal/integrations/position"
	"github.com/BearBump/GeoSync/internal/models"
	"github.com/BearBump/GeoSync/internal/observable"
	"github.com/BearBump/GeoSync/internal/syncerr"
)

const (
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = 2 * time.Second
	DefaultFixTimeout     = 10 * time.Second
	DefaultSampleInterval = 5 * time.Second
	DefaultWriteTimeout   = 15 * time.Second
)

type LocationWriter interface {
	WriteLocation(ctx context.Context, entityID string, lat, lon float64, updatedAt time.Time) error
}

// Session identifies the signed-in user; ok is false without a session.
type Session interface {
	UserID() (string, bool)
}

// Publisher owns the "am I tracking" state machine of one client session:
// it samples the position source, backs off on failures and forwards fixes
// to the remote store.
type Publisher struct {
	source  position.Source
	writer  LocationWriter
	session Session
	perm    position.Permission

	accuracy       position.Accuracy
	maxAttempts    int
	baseDelay      time.Duration
	fixTimeout     time.Duration
	sampleInterval time.Duration
	writeTimeout   time.Duration

	onFix func(entityID string, fix models.PositionFix)
	now   func() time.Time

	mu    sync.Mutex
	run   *run
	state *observable.Value[models.TrackingState]

	totalFixes       atomic.Int64
	totalFixErrors   atomic.Int64
	totalWrites      atomic.Int64
	totalWriteErrors atomic.Int64
	totalDropped     atomic.Int64
}

// run is one start..stop cycle: a sampling goroutine and a writer goroutine
// connected by a single-slot mailbox.
type run struct {
	entityID string
	ctx      context.Context
	cancel   context.CancelFunc
	slot     chan models.PositionFix
	wg       sync.WaitGroup
	done     chan struct{}
}

func New(source position.Source, writer LocationWriter, session Session, perm position.Permission) *Publisher {
	return &Publisher{
		source:         source,
		writer:         writer,
		session:        session,
		perm:           perm,
		accuracy:       position.AccuracyHigh,
		maxAttempts:    DefaultMaxAttempts,
		baseDelay:      DefaultBaseDelay,
		fixTimeout:     DefaultFixTimeout,
		sampleInterval: DefaultSampleInterval,
		writeTimeout:   DefaultWriteTimeout,
		now:            time.Now,
		state:          observable.New(models.TrackingState{Phase: models.PhaseIdle}),
	}
}

type Settings struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	FixTimeout     time.Duration
	SampleInterval time.Duration
	WriteTimeout   time.Duration
	Accuracy       position.Accuracy
}

// WithSettings overrides the non-zero fields of s.
func (p *Publisher) WithSettings(s Settings) *Publisher {
	if s.MaxAttempts > 0 {
		p.maxAttempts = s.MaxAttempts
	}
	if s.BaseDelay > 0 {
		p.baseDelay = s.BaseDelay
	}
	if s.FixTimeout > 0 {
		p.fixTimeout = s.FixTimeout
	}
	if s.SampleInterval > 0 {
		p.sampleInterval = s.SampleInterval
	}
	if s.WriteTimeout > 0 {
		p.writeTimeout = s.WriteTimeout
	}
	if s.Accuracy != "" {
		p.accuracy = s.Accuracy
	}
	return p
}

// WithFixObserver registers fn for every fix the remote store accepted.
// fn runs on the writer goroutine and must not call Stop.
func (p *Publisher) WithFixObserver(fn func(entityID string, fix models.PositionFix)) *Publisher {
	p.onFix = fn
	return p
}

func (p *Publisher) WithClock(now func() time.Time) *Publisher {
	if now != nil {
		p.now = now
	}
	return p
}

func (p *Publisher) State() models.TrackingState {
	return p.state.Get()
}

// Watch streams TrackingState changes; call cancel when done.
func (p *Publisher) Watch() (<-chan models.TrackingState, func()) {
	return p.state.Watch()
}

// Start begins tracking. Preconditions are checked synchronously and
// reported as PermissionDenied without retrying. Starting while tracking is
// engaged is a no-op.
func (p *Publisher) Start() error {
	p.mu.Lock()
	if p.run != nil && p.state.Get().Phase.Engaged() {
		p.mu.Unlock()
		return nil
	}
	old := p.run
	p.run = nil
	p.mu.Unlock()

	// Failed run: its loops are already exiting, just reap them.
	if old != nil {
		old.stop()
	}

	var userID string
	ok := false
	if p.session != nil {
		userID, ok = p.session.UserID()
	}
	if !ok || userID == "" {
		return p.deny("no authenticated session")
	}
	if p.perm == nil || !p.perm.LocationGranted() {
		return p.deny("location permission not granted")
	}

	p.mu.Lock()
	if p.run != nil {
		p.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		entityID: userID,
		ctx:      ctx,
		cancel:   cancel,
		slot:     make(chan models.PositionFix, 1),
		done:     make(chan struct{}),
	}
	p.run = r
	p.publishLocked(func(st *models.TrackingState) {
		st.Phase = models.PhaseActive
		st.LastError = nil
		st.FixFailures = 0
		st.ConsecutiveFailures = 0
	})
	p.mu.Unlock()

	r.wg.Add(2)
	go p.sampleLoop(r)
	go p.writeLoop(r)
	go func() {
		r.wg.Wait()
		close(r.done)
	}()

	slog.Info("location tracking started", "entity_id", userID)
	return nil
}

// Stop returns to Idle from any state, cancelling the fix request, the
// backoff timer and an in-flight write. It returns after both loops exited.
func (p *Publisher) Stop() {
	p.mu.Lock()
	r := p.run
	p.run = nil
	if p.state.Get().Phase != models.PhaseIdle {
		p.publishLocked(func(st *models.TrackingState) {
			st.Phase = models.PhaseIdle
		})
	}
	p.mu.Unlock()

	if r != nil {
		r.stop()
		slog.Info("location tracking stopped", "entity_id", r.entityID)
	}
}

// Toggle stops engaged tracking, otherwise starts it.
func (p *Publisher) Toggle() error {
	if p.State().Phase.Engaged() {
		p.Stop()
		return nil
	}
	return p.Start()
}

func (p *Publisher) deny(reason string) error {
	p.mu.Lock()
	p.publishLocked(func(st *models.TrackingState) {
		k := syncerr.PermissionDenied
		st.LastError = &k
	})
	p.mu.Unlock()
	slog.Warn("location tracking not started", "reason", reason)
	return syncerr.Errorf(syncerr.PermissionDenied, "start tracking", "%s", reason)
}

// publishLocked applies fn to a copy of the state and publishes it.
// p.mu must be held.
func (p *Publisher) publishLocked(fn func(st *models.TrackingState)) {
	st := p.state.Get()
	fn(&st)
	st.IsActive = st.Phase.Engaged()
	st.UpdatedAt = p.now().UTC()
	p.state.Set(st)
}

// mutate publishes fn only while r is still the current run. Updates from a
// stopped run are dropped.
func (p *Publisher) mutate(r *run, fn func(st *models.TrackingState)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run != r {
		return false
	}
	p.publishLocked(fn)
	return true
}

func (p *Publisher) sampleLoop(r *run) {
	defer r.wg.Done()

	attempt := 0
	for {
		fix, err := p.requestFix(r.ctx)
		if r.ctx.Err() != nil {
			return
		}
		if err != nil {
			attempt++
			p.totalFixErrors.Add(1)
			slog.Warn("position fix failed", "entity_id", r.entityID, "attempt", attempt, "error", err.Error())

			if attempt >= p.maxAttempts {
				p.mutate(r, func(st *models.TrackingState) {
					k := syncerr.LocationUnavailable
					st.Phase = models.PhaseFailed
					st.LastError = &k
					st.FixFailures = attempt
				})
				slog.Error("location unavailable, tracking halted", "entity_id", r.entityID, "attempts", attempt)
				r.cancel()
				return
			}

			n := attempt
			if !p.mutate(r, func(st *models.TrackingState) {
				st.Phase = models.PhaseBackoff
				st.FixFailures = n
			}) {
				return
			}
			if !sleepCtx(r.ctx, p.BackoffDelay(attempt)) {
				return
			}
			if !p.mutate(r, func(st *models.TrackingState) {
				st.Phase = models.PhaseStarting
			}) {
				return
			}
			continue
		}

		attempt = 0
		p.totalFixes.Add(1)
		if !p.mutate(r, func(st *models.TrackingState) {
			st.Phase = models.PhaseActive
			st.FixFailures = 0
		}) {
			return
		}
		if r.offer(fix) {
			p.totalDropped.Add(1)
		}
		if !sleepCtx(r.ctx, p.sampleInterval) {
			return
		}
	}
}

func (p *Publisher) requestFix(ctx context.Context) (models.PositionFix, error) {
	ctx, cancel := context.WithTimeout(ctx, p.fixTimeout)
	defer cancel()
	return p.source.RequestFix(ctx, p.accuracy, p.fixTimeout)
}

func (p *Publisher) writeLoop(r *run) {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case fix := <-r.slot:
			ctx, cancel := context.WithTimeout(r.ctx, p.writeTimeout)
			err := p.writer.WriteLocation(ctx, r.entityID, fix.Latitude, fix.Longitude, fix.CapturedAt)
			cancel()
			if r.ctx.Err() != nil {
				return
			}
			if err != nil {
				// Одна неудачная запись не останавливает трекинг.
				p.totalWriteErrors.Add(1)
				slog.Warn("write location", "entity_id", r.entityID, "error", err.Error())
				p.mutate(r, func(st *models.TrackingState) {
					k := syncerr.TransportError
					st.ConsecutiveFailures++
					st.LastError = &k
				})
				continue
			}

			p.totalWrites.Add(1)
			f := fix
			if !p.mutate(r, func(st *models.TrackingState) {
				st.LastFix = &f
				st.ConsecutiveFailures = 0
				st.LastError = nil
			}) {
				return
			}
			if p.onFix != nil {
				p.onFix(r.entityID, fix)
			}
		}
	}
}

// BackoffDelay is min(attempt, maxAttempts) * baseDelay.
func (p *Publisher) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > p.maxAttempts {
		attempt = p.maxAttempts
	}
	return time.Duration(attempt) * p.baseDelay
}

// offer puts fix in the mailbox, replacing an unwritten one (last write
// wins). Reports whether a pending fix was dropped. Only the sampling
// goroutine sends.
func (r *run) offer(fix models.PositionFix) bool {
	select {
	case r.slot <- fix:
		return false
	default:
	}
	dropped := false
	select {
	case <-r.slot:
		dropped = true
	default:
	}
	r.slot <- fix
	return dropped
}

func (r *run) stop() {
	r.cancel()
	<-r.done
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type Stats struct {
	Phase            models.TrackingPhase `json:"phase"`
	TotalFixes       int64                `json:"totalFixes"`
	TotalFixErrors   int64                `json:"totalFixErrors"`
	TotalWrites      int64                `json:"totalWrites"`
	TotalWriteErrors int64                `json:"totalWriteErrors"`
	TotalDropped     int64                `json:"totalDropped"`
}

func (p *Publisher) Stats() Stats {
	return Stats{
		Phase:            p.State().Phase,
		TotalFixes:       p.totalFixes.Load(),
		TotalFixErrors:   p.totalFixErrors.Load(),
		TotalWrites:      p.totalWrites.Load(),
		TotalWriteErrors: p.totalWriteErrors.Load(),
		TotalDropped:     p.totalDropped.Load(),
	}
}
