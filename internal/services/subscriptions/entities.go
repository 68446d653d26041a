package subscriptions

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/BearBump/GeoSync/internal/observable"
)

const DefaultStaleWindow = time.Minute

// ApplyResult counts what happened to the changes of one batch.
type ApplyResult struct {
	Applied int
	Stale   int
	Dropped int
}

// EntitySnapshot is a consistent copy of the collection after a batch.
type EntitySnapshot struct {
	Version  uint64                 `json:"version"`
	Entities []models.TrackedEntity `json:"entities"`
}

// EntityStore is the local keyed copy of the locations collection.
// All changes of a batch are applied under one lock; readers never see a
// half-applied batch.
type EntityStore struct {
	mu          sync.RWMutex
	items       map[string]models.TrackedEntity
	recent      map[string]time.Time
	staleWindow time.Duration
	now         func() time.Time
	version     uint64

	snap *observable.Value[EntitySnapshot]
}

func NewEntityStore(staleWindow time.Duration) *EntityStore {
	if staleWindow <= 0 {
		staleWindow = DefaultStaleWindow
	}
	return &EntityStore{
		items:       make(map[string]models.TrackedEntity),
		recent:      make(map[string]time.Time),
		staleWindow: staleWindow,
		now:         time.Now,
		snap:        observable.New(EntitySnapshot{}),
	}
}

func (s *EntityStore) WithClock(now func() time.Time) *EntityStore {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *EntityStore) StaleWindow() time.Duration { return s.staleWindow }

// Apply reconciles a locations batch. Older updates are ignored per id,
// unparseable changes are dropped one by one.
func (s *EntityStore) Apply(batch models.ChangeBatch) ApplyResult {
	var res ApplyResult

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, c := range batch.Changes {
		if c.Op == models.OpRemoved {
			if c.ID == "" {
				res.Dropped++
				continue
			}
			delete(s.items, c.ID)
			delete(s.recent, c.ID)
			res.Applied++
			continue
		}

		e, err := models.DecodeEntity(c.ID, c.Fields)
		if err != nil {
			res.Dropped++
			slog.Warn("drop location change", "id", c.ID, "error", err.Error())
			continue
		}
		hint, explicit := c.Fields[models.FieldIsOnline].(bool)
		if s.upsertLocked(e, explicit && !hint, now) {
			res.Applied++
		} else {
			res.Stale++
		}
	}

	if res.Applied > 0 {
		s.publishLocked()
	}
	return res
}

// Upsert applies a single entity through the same monotonic rule as Apply.
// Used for the local echo of the own position.
func (s *EntityStore) Upsert(e models.TrackedEntity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok := s.upsertLocked(e.Clone(), !e.PresenceHint, s.now())
	if ok {
		s.publishLocked()
	}
	return ok
}

func (s *EntityStore) upsertLocked(e models.TrackedEntity, offline bool, now time.Time) bool {
	if cur, ok := s.items[e.ID]; ok && e.LastUpdatedAt.Before(cur.LastUpdatedAt) {
		return false
	}
	s.items[e.ID] = e

	switch {
	case offline:
		delete(s.recent, e.ID)
	case e.HasPosition() && now.Sub(e.LastUpdatedAt) <= s.staleWindow:
		s.recent[e.ID] = now
	}
	return true
}

func (s *EntityStore) publishLocked() {
	s.version++
	s.snap.Set(EntitySnapshot{Version: s.version, Entities: s.sortedLocked()})
}

func (s *EntityStore) sortedLocked() []models.TrackedEntity {
	out := make([]models.TrackedEntity, 0, len(s.items))
	for _, e := range s.items {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *EntityStore) Get(id string) (models.TrackedEntity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[id]
	return e.Clone(), ok
}

// Snapshot returns every entity ordered by id.
func (s *EntityStore) Snapshot() []models.TrackedEntity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

func (s *EntityStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// RecentlyActive reports membership in the recently-active set. Membership
// older than the stale window counts as absent.
func (s *EntityStore) RecentlyActive(id string, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.recent[id]
	return ok && now.Sub(at) <= s.staleWindow
}

// Watch streams snapshots after every applied batch.
func (s *EntityStore) Watch() (<-chan EntitySnapshot, func()) {
	return s.snap.Watch()
}

// Reset drops all state, e.g. when the owning session ends.
func (s *EntityStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]models.TrackedEntity)
	s.recent = make(map[string]time.Time)
	s.publishLocked()
}
