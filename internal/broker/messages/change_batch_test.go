package messages

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeChangeBatch(t *testing.T) {
	at := time.Date(2024, 5, 5, 5, 5, 5, 0, time.UTC)
	raw, err := EncodeChangeBatch(models.ChangeBatch{
		Collection: models.CollectionLocations,
		Changes: []models.Change{
			{Op: models.OpModified, ID: "u1", Fields: models.EntityFields(-6.21, 106.85, at, true)},
			{Op: models.OpRemoved, ID: "u2"},
		},
	}, "gw-1", at)
	require.NoError(t, err)

	m, err := DecodeChangeBatch(raw)
	require.NoError(t, err)
	require.Equal(t, "gw-1", m.Origin)
	require.Equal(t, at, m.EmittedAt)
	require.Equal(t, json.Number("-6.21"), m.Changes[0].Fields[models.FieldLatitude])

	b, ok := m.Batch(models.Filter{IDs: []string{"u1"}})
	require.True(t, ok)
	require.Len(t, b.Changes, 1)
	e, err := models.DecodeEntity("u1", b.Changes[0].Fields)
	require.NoError(t, err)
	require.Equal(t, -6.21, *e.Latitude)
	require.Equal(t, at, e.LastUpdatedAt)

	_, ok = m.Batch(models.Filter{IDs: []string{"nobody"}})
	require.False(t, ok)
}

func TestDecodeChangeBatch_Rejects(t *testing.T) {
	_, err := DecodeChangeBatch([]byte("{"))
	require.Error(t, err)
	_, err = DecodeChangeBatch([]byte(`{"changes":[]}`))
	require.Error(t, err)
}
