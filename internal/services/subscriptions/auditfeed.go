package subscriptions

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/BearBump/GeoSync/internal/observable"
)

const DefaultAuditTail = 200

// AuditFeed keeps the live tail of the audit log, newest first, keyed by id.
// Entries are immutable: a change for an id already held counts as stale.
type AuditFeed struct {
	mu    sync.RWMutex
	byID  map[string]models.AuditEntry
	order []models.AuditEntry
	limit int

	tail *observable.Value[[]models.AuditEntry]
}

func NewAuditFeed(limit int) *AuditFeed {
	if limit <= 0 {
		limit = DefaultAuditTail
	}
	return &AuditFeed{
		byID:  make(map[string]models.AuditEntry),
		limit: limit,
		tail:  observable.New([]models.AuditEntry(nil)),
	}
}

func (f *AuditFeed) Apply(batch models.ChangeBatch) ApplyResult {
	var res ApplyResult

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, c := range batch.Changes {
		if c.Op == models.OpRemoved {
			if c.ID == "" {
				res.Dropped++
				continue
			}
			if _, ok := f.byID[c.ID]; ok {
				delete(f.byID, c.ID)
				res.Applied++
			}
			continue
		}
		e, err := models.DecodeAuditEntry(c.ID, c.Fields)
		if err != nil {
			res.Dropped++
			slog.Warn("drop audit change", "id", c.ID, "error", err.Error())
			continue
		}
		if _, held := f.byID[e.ID]; held {
			res.Stale++
			continue
		}
		f.byID[e.ID] = e
		res.Applied++
	}

	if res.Applied > 0 {
		f.rebuildLocked()
	}
	return res
}

func (f *AuditFeed) rebuildLocked() {
	order := make([]models.AuditEntry, 0, len(f.byID))
	for _, e := range f.byID {
		order = append(order, e)
	}
	sort.Slice(order, func(i, j int) bool {
		if !order[i].OccurredAt.Equal(order[j].OccurredAt) {
			return order[i].OccurredAt.After(order[j].OccurredAt)
		}
		return order[i].ID > order[j].ID
	})
	if len(order) > f.limit {
		for _, e := range order[f.limit:] {
			delete(f.byID, e.ID)
		}
		order = order[:f.limit]
	}
	f.order = order
	f.tail.Set(append([]models.AuditEntry(nil), order...))
}

// Entries returns the tail, newest first.
func (f *AuditFeed) Entries() []models.AuditEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]models.AuditEntry(nil), f.order...)
}

func (f *AuditFeed) Watch() (<-chan []models.AuditEntry, func()) {
	return f.tail.Watch()
}
