package subscriptions

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/BearBump/GeoSync/internal/syncerr"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Feed streams change batches of a remote collection. Watch blocks until
// ctx is done (returning nil or ctx.Err()) or the transport fails. handle is
// called sequentially in arrival order; a non-nil return stops the stream.
type Feed interface {
	Watch(ctx context.Context, collection string, filter models.Filter, handle func(models.ChangeBatch) error) error
}

type RoleChecker interface {
	CheckRole(ctx context.Context, userID string) (models.Role, error)
}

type Session interface {
	UserID() (string, bool)
}

// Sink is a local collection fed by a subscription.
type Sink interface {
	Apply(batch models.ChangeBatch) ApplyResult
}

var ErrClosed = errors.New("subscription manager closed")

// Spec identifies a subscription: a collection plus a filter.
type Spec struct {
	Collection string        `json:"collection"`
	Filter     models.Filter `json:"filter"`
}

// Manager opens and tears down live subscriptions and keeps the local
// collections in sync with them.
type Manager struct {
	feed    Feed
	roles   RoleChecker
	session Session
	policy  Policy
	sinks   map[string]Sink
	onError func(h *Handle, err error)

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool

	totalBatches atomic.Int64
	totalApplied atomic.Int64
	totalStale   atomic.Int64
	totalDropped atomic.Int64
	totalErrors  atomic.Int64
	totalDenied  atomic.Int64
}

func New(feed Feed, roles RoleChecker, session Session) *Manager {
	return &Manager{
		feed:    feed,
		roles:   roles,
		session: session,
		policy:  DefaultPolicy(),
		sinks:   make(map[string]Sink),
		handles: make(map[string]*Handle),
	}
}

func (m *Manager) WithPolicy(p Policy) *Manager {
	if len(p) > 0 {
		m.policy = p
	}
	return m
}

// WithSink routes batches of collection into sink.
func (m *Manager) WithSink(collection string, sink Sink) *Manager {
	m.sinks[collection] = sink
	return m
}

// OnError registers fn for subscriptions torn down by a transport error.
// fn runs on the delivery goroutine after the handle is marked errored.
func (m *Manager) OnError(fn func(h *Handle, err error)) *Manager {
	m.onError = fn
	return m
}

// Subscribe checks the caller's role and only then opens the stream.
// A denied caller gets PermissionDenied and no transport call is made.
func (m *Manager) Subscribe(ctx context.Context, spec Spec) (*Handle, error) {
	const op = "subscribe"

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	sink, ok := m.sinks[spec.Collection]
	if !ok {
		return nil, errors.Errorf("no local collection for %q", spec.Collection)
	}

	var userID string
	if m.session != nil {
		userID, ok = m.session.UserID()
	}
	if !ok || userID == "" {
		m.totalDenied.Add(1)
		return nil, syncerr.Errorf(syncerr.PermissionDenied, op, "no authenticated session")
	}

	role, err := m.roles.CheckRole(ctx, userID)
	if err != nil {
		if syncerr.Is(err, syncerr.PermissionDenied) {
			m.totalDenied.Add(1)
			return nil, err
		}
		return nil, syncerr.Wrap(err, syncerr.TransportError, "check role")
	}
	if !m.policy.Allows(spec.Collection, role) {
		m.totalDenied.Add(1)
		slog.Warn("subscription denied", "user_id", userID, "role", string(role), "collection", spec.Collection)
		return nil, syncerr.Errorf(syncerr.PermissionDenied, op, "role %q may not read %s", role, spec.Collection)
	}

	hctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		id:     uuid.NewString(),
		spec:   spec,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	m.handles[h.id] = h
	m.mu.Unlock()

	go m.deliver(hctx, h, sink)

	slog.Info("subscription opened", "handle", h.id, "collection", spec.Collection, "user_id", userID)
	return h, nil
}

func (m *Manager) deliver(ctx context.Context, h *Handle, sink Sink) {
	err := m.feed.Watch(ctx, h.spec.Collection, h.spec.Filter, func(b models.ChangeBatch) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.stopped {
			return context.Canceled
		}
		res := sink.Apply(b)
		h.batches.Add(1)
		m.totalBatches.Add(1)
		m.totalApplied.Add(int64(res.Applied))
		m.totalStale.Add(int64(res.Stale))
		m.totalDropped.Add(int64(res.Dropped))
		return nil
	})

	if ctx.Err() != nil {
		close(h.done)
		return
	}
	if err == nil {
		err = errors.New("change stream ended")
	}
	err = syncerr.Wrap(err, syncerr.TransportError, "watch "+h.spec.Collection)

	h.mu.Lock()
	stopped := h.stopped
	if !stopped {
		h.err = err
		h.stopped = true
	}
	h.mu.Unlock()
	h.cancel()
	close(h.done)
	if stopped {
		return
	}

	m.totalErrors.Add(1)
	m.forget(h)
	slog.Error("subscription failed", "handle", h.id, "collection", h.spec.Collection, "error", err.Error())
	if m.onError != nil {
		m.onError(h, err)
	}
}

// Unsubscribe releases the stream and waits for its delivery goroutine.
// Safe to call any number of times and with a nil handle.
func (m *Manager) Unsubscribe(h *Handle) {
	if h == nil {
		return
	}
	m.forget(h)

	h.mu.Lock()
	wasOpen := !h.stopped
	h.stopped = true
	h.mu.Unlock()

	h.cancel()
	<-h.done
	if wasOpen {
		slog.Info("subscription closed", "handle", h.id, "collection", h.spec.Collection)
	}
}

func (m *Manager) forget(h *Handle) {
	m.mu.Lock()
	delete(m.handles, h.id)
	m.mu.Unlock()
}

// Close unsubscribes every open handle; later Subscribe calls fail.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	hs := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		hs = append(hs, h)
	}
	m.mu.Unlock()

	for _, h := range hs {
		m.Unsubscribe(h)
	}
}

// Handles lists open subscriptions.
func (m *Manager) Handles() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	return out
}

type Stats struct {
	Open         int   `json:"open"`
	TotalBatches int64 `json:"totalBatches"`
	TotalApplied int64 `json:"totalApplied"`
	TotalStale   int64 `json:"totalStale"`
	TotalDropped int64 `json:"totalDropped"`
	TotalErrors  int64 `json:"totalErrors"`
	TotalDenied  int64 `json:"totalDenied"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	open := len(m.handles)
	m.mu.Unlock()
	return Stats{
		Open:         open,
		TotalBatches: m.totalBatches.Load(),
		TotalApplied: m.totalApplied.Load(),
		TotalStale:   m.totalStale.Load(),
		TotalDropped: m.totalDropped.Load(),
		TotalErrors:  m.totalErrors.Load(),
		TotalDenied:  m.totalDenied.Load(),
	}
}
