package kafka

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/GeoSync/internal/broker/messages"
	"github.com/BearBump/GeoSync/internal/models"
	"github.com/pkg/errors"
)

// snapshotOverlap rewinds the reader a little before the snapshot was taken,
// so producer clock skew cannot hide a change. Replayed changes are older
// than the snapshot and apply as no-ops.
const snapshotOverlap = 2 * time.Second

// Snapshotter lists what a collection holds right now.
type Snapshotter interface {
	Snapshot(ctx context.Context, collection string, filter models.Filter) (models.ChangeBatch, error)
}

// Feed turns the change topic into live subscriptions. Every Watch gets its
// own group-less reader starting at the newest offset, so subscribers do not
// steal messages from each other.
type Feed struct {
	newConsumer func() *Consumer
	snap        Snapshotter
	now         func() time.Time
}

func NewFeed(brokers []string, topic string) *Feed {
	if topic == "" {
		topic = messages.ChangesTopic
	}
	return &Feed{
		newConsumer: func() *Consumer { return NewConsumer(brokers, topic, "") },
		now:         time.Now,
	}
}

func newFeedWithConsumer(fn func() *Consumer) *Feed {
	return &Feed{newConsumer: fn, now: time.Now}
}

// WithSnapshot makes Watch start with snap's batch and then replay the topic
// from the moment the snapshot was taken.
func (f *Feed) WithSnapshot(snap Snapshotter) *Feed {
	f.snap = snap
	return f
}

func (f *Feed) Watch(ctx context.Context, collection string, filter models.Filter, handle func(models.ChangeBatch) error) error {
	c := f.newConsumer()
	defer func() { _ = c.Close() }()

	if f.snap != nil {
		since := f.now().Add(-snapshotOverlap)
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
		if err := c.SeekTime(ctx, since); err != nil {
			return err
		}
	}

	err := c.Consume(ctx, func(key, value []byte) error {
		if len(key) > 0 && string(key) != collection {
			return nil
		}
		m, err := messages.DecodeChangeBatch(value)
		if err != nil {
			slog.Warn("skip malformed change batch", "collection", collection, "error", err.Error())
			return nil
		}
		if m.Collection != collection {
			return nil
		}
		b, ok := m.Batch(filter)
		if !ok {
			return nil
		}
		return handle(b)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
