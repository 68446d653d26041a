package pgstore

import (
	"strings"
	"testing"
	"time"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/BearBump/GeoSync/internal/syncerr"
	"github.com/stretchr/testify/require"
)

func TestBuildPageQuery(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	at := since.Add(time.Hour)

	sql, args, err := buildPageQuery(models.PageQuery{
		Collection: models.CollectionAuditLogs,
		Filter:     models.AuditFilter{ActorID: "adm", Since: &since},
		OrderBy:    models.OrderBy{Field: models.FieldOccurredAt, Desc: true},
		Cursor:     models.KeysetCursor(at, "e7"),
		Limit:      20,
	})
	require.NoError(t, err)
	require.Contains(t, sql, "actor_id = $1")
	require.Contains(t, sql, "occurred_at >= $2")
	require.Contains(t, sql, "(occurred_at, id) < ($3::timestamptz, $4::text)")
	require.True(t, strings.HasSuffix(sql, "ORDER BY occurred_at DESC, id DESC LIMIT $5"))
	require.Equal(t, []any{"adm", since, at, "e7", 20}, args)

	sql, args, err = buildPageQuery(models.PageQuery{Collection: models.CollectionAuditLogs, Limit: 5})
	require.NoError(t, err)
	require.NotContains(t, sql, "WHERE")
	require.Contains(t, sql, "ORDER BY occurred_at ASC, id ASC")
	require.Equal(t, []any{5}, args)

	_, _, err = buildPageQuery(models.PageQuery{Cursor: "???", Limit: 1})
	require.True(t, syncerr.Is(err, syncerr.ParseError))
}
