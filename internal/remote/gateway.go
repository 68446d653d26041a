// Package remote is the write path to the remote store. It writes through
// the document store, then announces the change on an external change feed.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/BearBump/GeoSync/internal/syncerr"
)

const (
	DefaultWriteLimit  = 30
	DefaultWriteWindow = time.Minute
)

type DocumentStore interface {
	WriteLocation(ctx context.Context, entityID string, lat, lon float64, updatedAt time.Time) error
	AppendAudit(ctx context.Context, e models.AuditEntry) (string, error)
}

type ChangePublisher interface {
	PublishChanges(ctx context.Context, b models.ChangeBatch) error
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Gateway struct {
	store   DocumentStore
	pub     ChangePublisher
	limiter Limiter
	limit   int64
	window  time.Duration
	now     func() time.Time

	totalWrites          atomic.Int64
	totalWriteErrors     atomic.Int64
	totalLimited         atomic.Int64
	totalPublishFailures atomic.Int64
}

// New builds a gateway. pub and limiter may be nil.
func New(store DocumentStore, pub ChangePublisher, limiter Limiter) *Gateway {
	return &Gateway{
		store:   store,
		pub:     pub,
		limiter: limiter,
		limit:   DefaultWriteLimit,
		window:  DefaultWriteWindow,
		now:     time.Now,
	}
}

// WithWriteLimit caps location writes per entity and window.
func (g *Gateway) WithWriteLimit(limit int64, window time.Duration) *Gateway {
	if limit > 0 {
		g.limit = limit
	}
	if window > 0 {
		g.window = window
	}
	return g
}

func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	if now != nil {
		g.now = now
	}
	return g
}

// writeKey buckets writes into fixed windows, so the budget resets at every
// window boundary however often the entity keeps writing.
func (g *Gateway) writeKey(entityID string) string {
	return fmt.Sprintf("geosync:rl:location:%s:%d", entityID, g.now().UnixNano()/int64(g.window))
}

func (g *Gateway) WriteLocation(ctx context.Context, entityID string, lat, lon float64, updatedAt time.Time) error {
	const op = "write location"

	if g.limiter != nil {
		ok, n, err := g.limiter.Allow(ctx, g.writeKey(entityID), g.limit, g.window)
		if err != nil {
			// лимитер недоступен: пишем без ограничения
			slog.Warn("write rate limiter", "entity_id", entityID, "error", err.Error())
		} else if !ok {
			g.totalLimited.Add(1)
			return syncerr.Errorf(syncerr.TransportError, op, "rate limited: %d writes in %s", n, g.window)
		}
	}

	if err := g.store.WriteLocation(ctx, entityID, lat, lon, updatedAt); err != nil {
		g.totalWriteErrors.Add(1)
		return syncerr.Wrap(err, syncerr.TransportError, op)
	}
	g.totalWrites.Add(1)

	g.publish(ctx, models.ChangeBatch{
		Collection: models.CollectionLocations,
		Changes: []models.Change{{
			Op:     models.OpModified,
			ID:     entityID,
			Fields: models.EntityFields(lat, lon, updatedAt, true),
		}},
	})
	return nil
}

func (g *Gateway) AppendAudit(ctx context.Context, e models.AuditEntry) (string, error) {
	id, err := g.store.AppendAudit(ctx, e)
	if err != nil {
		g.totalWriteErrors.Add(1)
		return "", syncerr.Wrap(err, syncerr.TransportError, "append audit")
	}
	e.ID = id
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	g.publish(ctx, models.ChangeBatch{
		Collection: models.CollectionAuditLogs,
		Changes:    []models.Change{{Op: models.OpAdded, ID: id, Fields: models.AuditFields(e)}},
	})
	return id, nil
}

// publish is best effort: the document is already committed, a lost
// announcement only delays live subscribers until their next refresh.
func (g *Gateway) publish(ctx context.Context, b models.ChangeBatch) {
	if g.pub == nil {
		return
	}
	if err := g.pub.PublishChanges(ctx, b); err != nil {
		g.totalPublishFailures.Add(1)
		slog.Error("publish change batch", "collection", b.Collection, "error", err.Error())
	}
}

type Stats struct {
	TotalWrites          int64 `json:"totalWrites"`
	TotalWriteErrors     int64 `json:"totalWriteErrors"`
	TotalLimited         int64 `json:"totalLimited"`
	TotalPublishFailures int64 `json:"totalPublishFailures"`
}

func (g *Gateway) Stats() Stats {
	return Stats{
		TotalWrites:          g.totalWrites.Load(),
		TotalWriteErrors:     g.totalWriteErrors.Load(),
		TotalLimited:         g.totalLimited.Load(),
		TotalPublishFailures: g.totalPublishFailures.Load(),
	}
}
