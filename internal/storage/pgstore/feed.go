package pgstore

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/pkg/errors"
)

// Watch streams changes of collection over LISTEN/NOTIFY. The locations
// collection starts with a snapshot of the current rows.
func (s *Storage) Watch(ctx context.Context, collection string, filter models.Filter, handle func(models.ChangeBatch) error) error {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "acquire conn")
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return errors.Wrap(err, "listen")
	}
	defer func() {
		// the connection goes back to the pool, stop listening on it
		_, _ = conn.Exec(context.Background(), "UNLISTEN "+notifyChannel)
	}()

	if collection == models.CollectionLocations {
		initial, err := s.listLocations(ctx, conn, filter)
		if err != nil {
			return err
		}
		if len(initial) > 0 {
			if err := handle(models.ChangeBatch{Collection: collection, Changes: initial}); err != nil {
				return err
			}
		}
	}

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "wait for notification")
		}

		var b models.ChangeBatch
		if err := json.Unmarshal([]byte(n.Payload), &b); err != nil {
			slog.Warn("skip malformed change notification", "error", err.Error())
			continue
		}
		if b.Collection != collection {
			continue
		}
		kept := b.Changes[:0]
		for _, c := range b.Changes {
			if filter.Allows(c.ID) {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			continue
		}
		b.Changes = kept
		if err := handle(b); err != nil {
			return err
		}
	}
}
