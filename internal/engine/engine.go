package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BearBump/GeoSync/internal/integrations/position"
	"github.com/BearBump/GeoSync/internal/models"
	"github.com/BearBump/GeoSync/internal/services/auditpager"
	"github.com/BearBump/GeoSync/internal/services/presence"
	"github.com/BearBump/GeoSync/internal/services/publisher"
	"github.com/BearBump/GeoSync/internal/services/subscriptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Session interface {
	UserID() (string, bool)
}

// Deps are the external collaborators of one session.
type Deps struct {
	Session    Session
	Source     position.Source
	Permission position.Permission
	Writer     publisher.LocationWriter
	Feed       subscriptions.Feed
	Roles      subscriptions.RoleChecker
	Pages      auditpager.PageQuerier
}

type Settings struct {
	Publisher     publisher.Settings
	Pager         auditpager.Settings
	OnlineWindow  time.Duration
	StaleWindow   time.Duration
	AuditTail     int
	Policy        subscriptions.Policy
	Subscriptions []subscriptions.Spec
	AutoTrack     bool
	NoEcho        bool

	// OnSubscriptionError is called when a live subscription is torn down
	// by a transport error.
	OnSubscriptionError func(spec subscriptions.Spec, err error)
}

// Engine owns everything of one client session: tracking state, live
// subscriptions with their local collections and the audit pager.
// Engines share nothing; many may run side by side.
type Engine struct {
	id       string
	userID   string
	settings Settings

	publisher *publisher.Publisher
	subs      *subscriptions.Manager
	entities  *subscriptions.EntityStore
	auditTail *subscriptions.AuditFeed
	presence  *presence.Evaluator
	pager     *auditpager.Pager

	mu      sync.Mutex
	handles []*subscriptions.Handle
	started bool
	down    bool
}

func New(deps Deps, s Settings) (*Engine, error) {
	if deps.Session == nil {
		return nil, errors.New("engine: session is required")
	}
	if deps.Feed == nil || deps.Roles == nil {
		return nil, errors.New("engine: feed and role checker are required")
	}
	if deps.Pages == nil {
		return nil, errors.New("engine: page querier is required")
	}
	if deps.Source == nil || deps.Writer == nil {
		return nil, errors.New("engine: position source and location writer are required")
	}
	perm := deps.Permission
	if perm == nil {
		perm = position.StaticPermission(false)
	}

	e := &Engine{
		id:       uuid.NewString(),
		settings: s,
	}
	e.userID, _ = deps.Session.UserID()

	e.entities = subscriptions.NewEntityStore(s.StaleWindow)
	e.auditTail = subscriptions.NewAuditFeed(s.AuditTail)
	e.presence = presence.New(e.entities, s.OnlineWindow)
	e.pager = auditpager.New(deps.Pages).WithSettings(s.Pager)

	e.subs = subscriptions.New(deps.Feed, deps.Roles, deps.Session).
		WithPolicy(s.Policy).
		WithSink(models.CollectionLocations, e.entities).
		WithSink(models.CollectionAuditLogs, e.auditTail).
		OnError(e.subscriptionFailed)

	e.publisher = publisher.New(deps.Source, deps.Writer, deps.Session, perm).
		WithSettings(s.Publisher)
	if !s.NoEcho {
		e.publisher.WithFixObserver(func(entityID string, fix models.PositionFix) {
			e.entities.Upsert(models.EntityFromFix(entityID, fix))
		})
	}
	return e, nil
}

func (e *Engine) ID() string { return e.id }

func (e *Engine) UserID() string { return e.userID }

func (e *Engine) Publisher() *publisher.Publisher { return e.publisher }

func (e *Engine) Subscriptions() *subscriptions.Manager { return e.subs }

func (e *Engine) Entities() *subscriptions.EntityStore { return e.entities }

func (e *Engine) AuditTail() *subscriptions.AuditFeed { return e.auditTail }

func (e *Engine) Presence() *presence.Evaluator { return e.presence }

func (e *Engine) Pager() *auditpager.Pager { return e.pager }

// Start opens the configured subscriptions. Either all of them open or
// none stays open and the first error is returned. With AutoTrack set it
// also starts tracking; a refused start is logged and visible in the
// tracking state, it does not fail Start.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.down {
		return errors.New("engine: already shut down")
	}
	if e.started {
		return nil
	}

	opened := make([]*subscriptions.Handle, 0, len(e.settings.Subscriptions))
	for _, spec := range e.settings.Subscriptions {
		h, err := e.subs.Subscribe(ctx, spec)
		if err != nil {
			for _, o := range opened {
				e.subs.Unsubscribe(o)
			}
			return errors.Wrapf(err, "subscribe %s", spec.Collection)
		}
		opened = append(opened, h)
	}
	e.handles = opened
	e.started = true

	if e.settings.AutoTrack {
		if err := e.publisher.Start(); err != nil {
			slog.Warn("auto tracking not started", "engine", e.id, "error", err.Error())
		}
	}

	slog.Info("engine started", "engine", e.id, "user_id", e.userID, "subscriptions", len(opened))
	return nil
}

// Shutdown stops tracking, closes every subscription and the pager.
// It is idempotent and the engine cannot be restarted afterwards.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.down {
		e.mu.Unlock()
		return
	}
	e.down = true
	e.handles = nil
	e.mu.Unlock()

	e.publisher.Stop()
	e.subs.Close()
	e.pager.Close()
	slog.Info("engine shut down", "engine", e.id)
}

func (e *Engine) subscriptionFailed(h *subscriptions.Handle, err error) {
	e.mu.Lock()
	for i, o := range e.handles {
		if o == h {
			e.handles = append(e.handles[:i], e.handles[i+1:]...)
			break
		}
	}
	e.mu.Unlock()

	if fn := e.settings.OnSubscriptionError; fn != nil {
		fn(h.Spec(), err)
	}
}

// Handles returns the subscriptions opened by Start that are still live.
func (e *Engine) Handles() []*subscriptions.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*subscriptions.Handle(nil), e.handles...)
}

type Stats struct {
	ID            string               `json:"id"`
	UserID        string               `json:"userId"`
	Publisher     publisher.Stats      `json:"publisher"`
	Subscriptions subscriptions.Stats  `json:"subscriptions"`
	Pager         auditpager.Stats     `json:"pager"`
	Presence      presence.Summary     `json:"presence"`
	Tracking      models.TrackingState `json:"tracking"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		ID:            e.id,
		UserID:        e.userID,
		Publisher:     e.publisher.Stats(),
		Subscriptions: e.subs.Stats(),
		Pager:         e.pager.Stats(),
		Presence:      e.presence.Summary(),
		Tracking:      e.publisher.State(),
	}
}
