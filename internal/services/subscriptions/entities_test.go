package subscriptions

import (
	"testing"
	"time"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/stretchr/testify/require"
)

func batchOf(changes ...models.Change) models.ChangeBatch {
	return models.ChangeBatch{Collection: models.CollectionLocations, Changes: changes}
}

func TestEntityStore_MonotonicApply(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	s := NewEntityStore(time.Minute).WithClock(func() time.Time { return now })
	at := now.Add(-10 * time.Second)

	res := s.Apply(batchOf(locationChange("a", 10, 20, at)))
	require.Equal(t, ApplyResult{Applied: 1}, res)

	// older: no-op
	res = s.Apply(batchOf(locationChange("a", 11, 21, at.Add(-time.Second))))
	require.Equal(t, ApplyResult{Stale: 1}, res)
	e, _ := s.Get("a")
	require.Equal(t, 10.0, *e.Latitude)
	require.Equal(t, at, e.LastUpdatedAt)

	// equal timestamp replaces all fields
	res = s.Apply(batchOf(models.Change{Op: models.OpModified, ID: "a", Fields: map[string]any{
		models.FieldUpdatedAt: at,
	}}))
	require.Equal(t, 1, res.Applied)
	e, _ = s.Get("a")
	require.False(t, e.HasPosition())

	res = s.Apply(batchOf(locationChange("a", 12, 22, at.Add(time.Second))))
	require.Equal(t, 1, res.Applied)
	e, _ = s.Get("a")
	require.Equal(t, 12.0, *e.Latitude)
	require.Equal(t, 22.0, *e.Longitude)
}

func TestEntityStore_RecentlyActive(t *testing.T) {
	now := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	clock := now
	s := NewEntityStore(time.Minute).WithClock(func() time.Time { return clock })

	s.Apply(batchOf(
		locationChange("fresh", 1, 1, now.Add(-30*time.Second)),
		locationChange("old", 1, 1, now.Add(-3*time.Minute)),
	))
	require.True(t, s.RecentlyActive("fresh", now))
	require.False(t, s.RecentlyActive("old", now))

	// membership ages out
	require.False(t, s.RecentlyActive("fresh", now.Add(2*time.Minute)))

	// explicit offline hint removes the id
	s.Apply(batchOf(models.Change{Op: models.OpModified, ID: "fresh", Fields: models.EntityFields(1, 1, now, false)}))
	require.False(t, s.RecentlyActive("fresh", now))

	s.Apply(batchOf(locationChange("gone", 1, 1, now)))
	require.True(t, s.RecentlyActive("gone", now))
	s.Apply(batchOf(models.Change{Op: models.OpRemoved, ID: "gone"}))
	require.False(t, s.RecentlyActive("gone", now))
	_, ok := s.Get("gone")
	require.False(t, ok)
}

func TestEntityStore_SnapshotsAreCopies(t *testing.T) {
	s := NewEntityStore(0)
	ch, cancel := s.Watch()
	defer cancel()
	<-ch // primed

	s.Apply(batchOf(locationChange("b", 1, 1, time.Now()), locationChange("a", 2, 2, time.Now())))

	snap := <-ch
	require.Equal(t, uint64(1), snap.Version)
	require.Len(t, snap.Entities, 2)
	require.Equal(t, "a", snap.Entities[0].ID)

	*snap.Entities[0].Latitude = 99
	e, _ := s.Get("a")
	require.Equal(t, 2.0, *e.Latitude)
}

func TestEntityStore_Upsert(t *testing.T) {
	s := NewEntityStore(0)
	at := time.Now().UTC()
	require.True(t, s.Upsert(models.EntityFromFix("me", models.PositionFix{Latitude: 1, Longitude: 2, CapturedAt: at})))
	require.False(t, s.Upsert(models.EntityFromFix("me", models.PositionFix{Latitude: 3, Longitude: 4, CapturedAt: at.Add(-time.Second)})))
	require.True(t, s.RecentlyActive("me", time.Now()))

	s.Reset()
	require.Zero(t, s.Len())
}

func TestAuditFeed_NewestFirstKeyed(t *testing.T) {
	f := NewAuditFeed(3)
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	mk := func(id string, at time.Time) models.Change {
		return models.Change{Op: models.OpAdded, ID: id, Fields: models.AuditFields(models.AuditEntry{
			ActorID: "adm", Action: "role.change", OccurredAt: at,
		})}
	}

	res := f.Apply(models.ChangeBatch{Changes: []models.Change{
		mk("a1", base),
		mk("a2", base.Add(time.Minute)),
		{Op: models.OpAdded, ID: "bad", Fields: map[string]any{"action": 3}},
	}})
	require.Equal(t, 2, res.Applied)
	require.Equal(t, 1, res.Dropped)

	f.Apply(models.ChangeBatch{Changes: []models.Change{mk("a3", base.Add(2*time.Minute)), mk("a2", base.Add(time.Minute))}})
	got := f.Entries()
	require.Len(t, got, 3)
	require.Equal(t, []string{"a3", "a2", "a1"}, []string{got[0].ID, got[1].ID, got[2].ID})

	// capacity drops the oldest
	f.Apply(models.ChangeBatch{Changes: []models.Change{mk("a4", base.Add(3*time.Minute))}})
	got = f.Entries()
	require.Len(t, got, 3)
	require.Equal(t, "a4", got[0].ID)
	require.Equal(t, "a2", got[2].ID)

	f.Apply(models.ChangeBatch{Changes: []models.Change{{Op: models.OpRemoved, ID: "a4"}}})
	require.Equal(t, "a3", f.Entries()[0].ID)
}

func TestAuditFeed_EntriesAreImmutable(t *testing.T) {
	f := NewAuditFeed(0)
	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	entry := func(op models.ChangeOp, action string) models.Change {
		return models.Change{Op: op, ID: "a1", Fields: models.AuditFields(models.AuditEntry{
			ActorID: "adm", Action: action, OccurredAt: at,
		})}
	}

	res := f.Apply(models.ChangeBatch{Changes: []models.Change{entry(models.OpAdded, "role.change")}})
	require.Equal(t, 1, res.Applied)

	res = f.Apply(models.ChangeBatch{Changes: []models.Change{
		entry(models.OpModified, "rewritten"),
		entry(models.OpAdded, "rewritten"),
		{Op: models.OpRemoved},
	}})
	require.Equal(t, ApplyResult{Stale: 2, Dropped: 1}, res)
	require.Equal(t, "role.change", f.Entries()[0].Action)
}

func TestPolicy(t *testing.T) {
	p := DefaultPolicy()
	require.True(t, p.Allows(models.CollectionLocations, models.RoleResponder))
	require.False(t, p.Allows(models.CollectionLocations, models.RoleUser))
	require.True(t, p.Allows(models.CollectionAuditLogs, models.RoleAdmin))
	require.False(t, p.Allows(models.CollectionAuditLogs, models.RoleResponder))
	require.False(t, p.Allows("reports", models.RoleAdmin))
}
