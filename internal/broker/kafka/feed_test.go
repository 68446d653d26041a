package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BearBump/GeoSync/internal/broker/messages"
	"github.com/BearBump/GeoSync/internal/models"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

func batchMessage(t *testing.T, b models.ChangeBatch) kafka.Message {
	t.Helper()
	raw, err := messages.EncodeChangeBatch(b, "", time.Now())
	require.NoError(t, err)
	return kafka.Message{Key: []byte(b.Collection), Value: raw}
}

func TestFeed_Watch_FiltersAndDelivers(t *testing.T) {
	at := time.Now().UTC()
	fr := &fakeReader{msgs: []kafka.Message{
		batchMessage(t, models.ChangeBatch{Collection: models.CollectionAuditLogs, Changes: []models.Change{{Op: models.OpAdded, ID: "a1"}}}),
		{Key: []byte(models.CollectionLocations), Value: []byte("not json")},
		batchMessage(t, models.ChangeBatch{Collection: models.CollectionLocations, Changes: []models.Change{
			{Op: models.OpAdded, ID: "u1", Fields: models.EntityFields(1, 1, at, true)},
			{Op: models.OpAdded, ID: "u2", Fields: models.EntityFields(2, 2, at, true)},
		}}),
	}}
	f := newFeedWithConsumer(func() *Consumer { return newConsumerWithReader(fr, false) })

	ctx, cancel := context.WithCancel(context.Background())
	var got []models.ChangeBatch
	err := f.Watch(ctx, models.CollectionLocations, models.Filter{IDs: []string{"u2"}}, func(b models.ChangeBatch) error {
		got = append(got, b)
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, got, 1)
	require.Len(t, got[0].Changes, 1)
	require.Equal(t, "u2", got[0].Changes[0].ID)
	require.True(t, fr.closed)
}

func TestFeed_Watch_TransportError(t *testing.T) {
	fr := &fakeReader{err: errors.New("broker down")}
	f := newFeedWithConsumer(func() *Consumer { return newConsumerWithReader(fr, false) })

	err := f.Watch(context.Background(), models.CollectionLocations, models.Filter{}, func(models.ChangeBatch) error { return nil })
	require.ErrorContains(t, err, "broker down")
}

type seekingReader struct {
	*fakeReader
	seekedTo []time.Time
}

func (r *seekingReader) SetOffsetAt(ctx context.Context, t time.Time) error {
	r.seekedTo = append(r.seekedTo, t)
	return nil
}

type staticSnapshot struct {
	batch models.ChangeBatch
	err   error
	calls int
}

func (s *staticSnapshot) Snapshot(ctx context.Context, collection string, filter models.Filter) (models.ChangeBatch, error) {
	s.calls++
	return s.batch, s.err
}

func TestFeed_Watch_SnapshotThenReplayFromSnapshotTime(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	old := t0.Add(-time.Hour)
	fr := &seekingReader{fakeReader: &fakeReader{msgs: []kafka.Message{
		batchMessage(t, models.ChangeBatch{Collection: models.CollectionLocations, Changes: []models.Change{
			{Op: models.OpModified, ID: "u1", Fields: models.EntityFields(2, 2, t0, true)},
		}}),
	}}}
	snap := &staticSnapshot{batch: models.ChangeBatch{Collection: models.CollectionLocations, Changes: []models.Change{
		{Op: models.OpAdded, ID: "idle", Fields: models.EntityFields(1, 1, old, false)},
	}}}
	f := newFeedWithConsumer(func() *Consumer { return newConsumerWithReader(fr, false) }).WithSnapshot(snap)
	f.now = func() time.Time { return t0 }

	ctx, cancel := context.WithCancel(context.Background())
	var got []models.ChangeBatch
	err := f.Watch(ctx, models.CollectionLocations, models.Filter{}, func(b models.ChangeBatch) error {
		got = append(got, b)
		if len(got) == 2 {
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, got, 2)
	require.Equal(t, "idle", got[0].Changes[0].ID)
	require.Equal(t, models.OpAdded, got[0].Changes[0].Op)
	require.Equal(t, "u1", got[1].Changes[0].ID)
	require.Equal(t, []time.Time{t0.Add(-snapshotOverlap)}, fr.seekedTo)
}

func TestFeed_Watch_SnapshotFailure(t *testing.T) {
	fr := &fakeReader{}
	snap := &staticSnapshot{err: errors.New("store down")}
	f := newFeedWithConsumer(func() *Consumer { return newConsumerWithReader(fr, false) }).WithSnapshot(snap)

	err := f.Watch(context.Background(), models.CollectionLocations, models.Filter{}, func(models.ChangeBatch) error { return nil })
	require.ErrorContains(t, err, "store down")
	require.True(t, fr.closed)
}
