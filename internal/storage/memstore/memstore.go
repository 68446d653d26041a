// Package memstore is an in-process document store with live change feeds.
// It backs the demo mode of the agent and the engine tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/BearBump/GeoSync/internal/syncerr"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrLagged ends a watch whose consumer fell too far behind.
var ErrLagged = errors.New("memstore: watcher lagged behind")

const watchBuffer = 64

type Store struct {
	mu       sync.RWMutex
	docs     map[string]map[string]map[string]any
	roles    map[string]models.Role
	watchers map[*watcher]struct{}
}

type watcher struct {
	collection string
	filter     models.Filter
	ch         chan models.ChangeBatch
	lagOnce    sync.Once
	lagged     chan struct{}
}

func (w *watcher) push(b models.ChangeBatch) {
	var changes []models.Change
	for _, c := range b.Changes {
		if w.filter.Allows(c.ID) {
			changes = append(changes, c)
		}
	}
	if len(changes) == 0 {
		return
	}
	select {
	case w.ch <- models.ChangeBatch{Collection: b.Collection, Changes: changes}:
	default:
		w.lagOnce.Do(func() { close(w.lagged) })
	}
}

func New() *Store {
	return &Store{
		docs:     make(map[string]map[string]map[string]any),
		roles:    make(map[string]models.Role),
		watchers: make(map[*watcher]struct{}),
	}
}

func (s *Store) SetRole(userID string, role models.Role) {
	s.mu.Lock()
	s.roles[userID] = role
	s.mu.Unlock()
}

func (s *Store) CheckRole(_ context.Context, userID string) (models.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roles[userID]
	if !ok {
		return "", syncerr.Errorf(syncerr.PermissionDenied, "check role", "unknown user %q", userID)
	}
	return r, nil
}

// WriteLocation upserts the entity's position. A write older than the stored
// one is ignored and nobody is notified.
func (s *Store) WriteLocation(ctx context.Context, entityID string, lat, lon float64, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entityID == "" {
		return errors.New("memstore: empty document id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.docs[models.CollectionLocations][entityID]; ok {
		held, err := models.DecodeEntity(entityID, cur)
		if err == nil && updatedAt.Before(held.LastUpdatedAt) {
			return nil
		}
	}
	s.putLocked(models.CollectionLocations, entityID, models.EntityFields(lat, lon, updatedAt, true))
	return nil
}

// AppendAudit stores e under a fresh id unless it has one.
func (s *Store) AppendAudit(ctx context.Context, e models.AuditEntry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return e.ID, s.Put(ctx, models.CollectionAuditLogs, e.ID, models.AuditFields(e))
}

// Put replaces a document and notifies watchers of its collection.
func (s *Store) Put(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == "" {
		return errors.New("memstore: empty document id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(collection, id, fields)
	return nil
}

func (s *Store) putLocked(collection, id string, fields map[string]any) {
	cp := copyFields(fields)
	coll, ok := s.docs[collection]
	if !ok {
		coll = make(map[string]map[string]any)
		s.docs[collection] = coll
	}
	op := models.OpAdded
	if _, exists := coll[id]; exists {
		op = models.OpModified
	}
	coll[id] = cp
	s.notifyLocked(models.ChangeBatch{Collection: collection, Changes: []models.Change{{Op: op, ID: id, Fields: copyFields(cp)}}})
}

// StaleOnline returns up to limit entities flagged online whose last update
// is older than cutoff, oldest first.
func (s *Store) StaleOnline(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type stale struct {
		id string
		at time.Time
	}
	var found []stale
	s.mu.RLock()
	for id, f := range s.docs[models.CollectionLocations] {
		e, err := models.DecodeEntity(id, f)
		if err != nil || !e.PresenceHint || !e.LastUpdatedAt.Before(cutoff) {
			continue
		}
		found = append(found, stale{id: id, at: e.LastUpdatedAt})
	}
	s.mu.RUnlock()

	sort.Slice(found, func(i, j int) bool {
		if !found[i].at.Equal(found[j].at) {
			return found[i].at.Before(found[j].at)
		}
		return found[i].id < found[j].id
	})
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	ids := make([]string, len(found))
	for i, f := range found {
		ids[i] = f.id
	}
	return ids, nil
}

// MarkOffline clears the online flag unless the entity reported after cutoff.
func (s *Store) MarkOffline(ctx context.Context, entityID string, cutoff time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.docs[models.CollectionLocations][entityID]
	if !ok {
		return false, nil
	}
	e, err := models.DecodeEntity(entityID, f)
	if err != nil || !e.PresenceHint || !e.LastUpdatedAt.Before(cutoff) {
		return false, nil
	}
	f[models.FieldIsOnline] = false
	s.notifyLocked(models.ChangeBatch{
		Collection: models.CollectionLocations,
		Changes:    []models.Change{{Op: models.OpModified, ID: entityID, Fields: copyFields(f)}},
	})
	return true, nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[collection][id]; !ok {
		return nil
	}
	delete(s.docs[collection], id)
	s.notifyLocked(models.ChangeBatch{Collection: collection, Changes: []models.Change{{Op: models.OpRemoved, ID: id}}})
	return nil
}

func (s *Store) notifyLocked(b models.ChangeBatch) {
	for w := range s.watchers {
		if w.collection == b.Collection {
			w.push(b)
		}
	}
}

// Snapshot returns the current contents of collection as one Added batch.
func (s *Store) Snapshot(ctx context.Context, collection string, filter models.Filter) (models.ChangeBatch, error) {
	if err := ctx.Err(); err != nil {
		return models.ChangeBatch{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(collection, filter), nil
}

func (s *Store) snapshotLocked(collection string, filter models.Filter) models.ChangeBatch {
	b := models.ChangeBatch{Collection: collection}
	ids := make([]string, 0, len(s.docs[collection]))
	for id := range s.docs[collection] {
		if filter.Allows(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		b.Changes = append(b.Changes, models.Change{Op: models.OpAdded, ID: id, Fields: copyFields(s.docs[collection][id])})
	}
	return b
}

// Watch first delivers the current contents as one Added batch, then every
// later change in commit order.
func (s *Store) Watch(ctx context.Context, collection string, filter models.Filter, handle func(models.ChangeBatch) error) error {
	w := &watcher{
		collection: collection,
		filter:     filter,
		ch:         make(chan models.ChangeBatch, watchBuffer),
		lagged:     make(chan struct{}),
	}

	s.mu.Lock()
	initial := s.snapshotLocked(collection, filter)
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
	}()

	if len(initial.Changes) > 0 {
		if err := handle(initial); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.lagged:
			return ErrLagged
		case b := <-w.ch:
			if err := handle(b); err != nil {
				return err
			}
		}
	}
}

// QueryPage orders by q.OrderBy.Field (a timestamp) and then by id, and
// pages with a keyset cursor.
func (s *Store) QueryPage(ctx context.Context, q models.PageQuery) (models.Page, error) {
	if err := ctx.Err(); err != nil {
		return models.Page{}, err
	}
	if q.Limit <= 0 {
		return models.Page{}, errors.New("memstore: limit must be positive")
	}
	field := q.OrderBy.Field
	if field == "" {
		field = models.FieldOccurredAt
	}

	var afterAt time.Time
	var afterID string
	if q.Cursor != "" {
		var err error
		afterAt, afterID, err = models.ParseKeyset(q.Cursor)
		if err != nil {
			return models.Page{}, err
		}
	}

	type row struct {
		doc models.Document
		at  time.Time
	}

	s.mu.RLock()
	rows := make([]row, 0, len(s.docs[q.Collection]))
	for id, f := range s.docs[q.Collection] {
		at, _, _ := models.FieldTime(f, field)
		if !q.Filter.IsZero() {
			e, err := models.DecodeAuditEntry(id, f)
			if err != nil || !q.Filter.Matches(e) {
				continue
			}
		}
		rows = append(rows, row{doc: models.Document{ID: id, Fields: copyFields(f)}, at: at})
	}
	s.mu.RUnlock()

	less := func(a, b row) bool {
		if !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		return a.doc.ID < b.doc.ID
	}
	sort.Slice(rows, func(i, j int) bool {
		if q.OrderBy.Desc {
			return less(rows[j], rows[i])
		}
		return less(rows[i], rows[j])
	})

	var page models.Page
	cur := row{doc: models.Document{ID: afterID}, at: afterAt}
	for _, r := range rows {
		if q.Cursor != "" {
			if q.OrderBy.Desc && !less(r, cur) {
				continue
			}
			if !q.OrderBy.Desc && !less(cur, r) {
				continue
			}
		}
		page.Items = append(page.Items, r.doc)
		page.LastCursor = models.KeysetCursor(r.at, r.doc.ID)
		if len(page.Items) == q.Limit {
			break
		}
	}
	return page, nil
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
