// Package redisfeed fans change batches out over Redis pub/sub, one channel
// per collection.
package redisfeed

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/GeoSync/internal/broker/messages"
	"github.com/BearBump/GeoSync/internal/models"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var ErrChannelClosed = errors.New("redis subscription channel closed")

// Snapshotter lists what a collection holds right now. Pub/sub has no
// history, so a fresh subscriber starts from this.
type Snapshotter interface {
	Snapshot(ctx context.Context, collection string, filter models.Filter) (models.ChangeBatch, error)
}

type Feed struct {
	c      *redis.Client
	prefix string
	origin string
	snap   Snapshotter
	now    func() time.Time
}

func New(c *redis.Client, prefix string) *Feed {
	if prefix == "" {
		prefix = messages.ChangesTopic
	}
	return &Feed{c: c, prefix: prefix, now: time.Now}
}

func (f *Feed) WithOrigin(origin string) *Feed {
	f.origin = origin
	return f
}

// WithSnapshot makes Watch deliver snap's batch once the subscription is
// confirmed, before any live batch.
func (f *Feed) WithSnapshot(snap Snapshotter) *Feed {
	f.snap = snap
	return f
}

func (f *Feed) channel(collection string) string {
	return f.prefix + ":" + collection
}

// PublishChanges publishes b on its collection channel.
func (f *Feed) PublishChanges(ctx context.Context, b models.ChangeBatch) error {
	raw, err := messages.EncodeChangeBatch(b, f.origin, f.now())
	if err != nil {
		return err
	}
	if err := f.c.Publish(ctx, f.channel(b.Collection), raw).Err(); err != nil {
		return errors.Wrap(err, "redis publish")
	}
	return nil
}

// Watch subscribes to the collection channel. Pub/sub has no history:
// only batches published after the subscription is confirmed arrive, plus
// the snapshot when one is configured. A live batch racing the snapshot may
// repeat a change the snapshot already holds.
func (f *Feed) Watch(ctx context.Context, collection string, filter models.Filter, handle func(models.ChangeBatch) error) error {
	sub := f.c.Subscribe(ctx, f.channel(collection))
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(err, "redis subscribe")
	}

	ch := sub.Channel()
	if f.snap != nil {
		initial, err := f.snap.Snapshot(ctx, collection, filter)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "snapshot")
		}
		if len(initial.Changes) > 0 {
			if err := handle(initial); err != nil {
				return err
			}
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return ErrChannelClosed
			}
			m, err := messages.DecodeChangeBatch([]byte(msg.Payload))
			if err != nil {
				slog.Warn("skip malformed change batch", "channel", msg.Channel, "error", err.Error())
				continue
			}
			b, ok := m.Batch(filter)
			if !ok {
				continue
			}
			if err := handle(b); err != nil {
				return err
			}
		}
	}
}
