package pgstore

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Storage) AppendAudit(ctx context.Context, e models.AuditEntry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
INSERT INTO audit_logs (id, actor_id, actor_name, action, target_id, target_name, target_type, details, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, e.ID, e.ActorID, e.ActorName, e.Action, e.TargetID, e.TargetName, e.TargetType, e.Details, e.OccurredAt.UTC())
	if err != nil {
		return "", errors.Wrap(err, "insert audit entry")
	}
	if err := notify(ctx, tx, models.ChangeBatch{
		Collection: models.CollectionAuditLogs,
		Changes:    []models.Change{{Op: models.OpAdded, ID: e.ID, Fields: models.AuditFields(e)}},
	}); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", errors.Wrap(err, "commit tx")
	}
	return e.ID, nil
}

// QueryPage pages the audit log by (occurred_at, id) with a keyset cursor.
func (s *Storage) QueryPage(ctx context.Context, q models.PageQuery) (models.Page, error) {
	if q.Collection != models.CollectionAuditLogs {
		return models.Page{}, errors.Errorf("pgstore: paging %q is not supported", q.Collection)
	}
	if q.OrderBy.Field != "" && q.OrderBy.Field != models.FieldOccurredAt {
		return models.Page{}, errors.Errorf("pgstore: order by %q is not supported", q.OrderBy.Field)
	}
	if q.Limit <= 0 {
		return models.Page{}, errors.New("pgstore: limit must be positive")
	}

	sql, args, err := buildPageQuery(q)
	if err != nil {
		return models.Page{}, err
	}
	return s.scanPage(ctx, s.db, sql, args)
}

func buildPageQuery(q models.PageQuery) (string, []any, error) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	f := q.Filter
	if f.ActorID != "" {
		conds = append(conds, "actor_id = "+arg(f.ActorID))
	}
	if f.Action != "" {
		conds = append(conds, "action = "+arg(f.Action))
	}
	if f.TargetType != "" {
		conds = append(conds, "target_type = "+arg(f.TargetType))
	}
	if f.TargetID != "" {
		conds = append(conds, "target_id = "+arg(f.TargetID))
	}
	if f.Since != nil {
		conds = append(conds, "occurred_at >= "+arg(f.Since.UTC()))
	}
	if f.Until != nil {
		conds = append(conds, "occurred_at < "+arg(f.Until.UTC()))
	}

	dir, cmp := "ASC", ">"
	if q.OrderBy.Desc {
		dir, cmp = "DESC", "<"
	}
	if q.Cursor != "" {
		at, id, err := models.ParseKeyset(q.Cursor)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, "(occurred_at, id) "+cmp+" ("+arg(at)+"::timestamptz, "+arg(id)+"::text)")
	}

	var b strings.Builder
	b.WriteString(`SELECT id, actor_id, actor_name, action, target_id, target_name, target_type, details, occurred_at FROM audit_logs`)
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY occurred_at " + dir + ", id " + dir)
	b.WriteString(" LIMIT " + arg(q.Limit))
	return b.String(), args, nil
}

func (s *Storage) scanPage(ctx context.Context, q pgxQuerier, sql string, args []any) (models.Page, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return models.Page{}, errors.Wrap(err, "select audit logs")
	}
	defer rows.Close()

	var page models.Page
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(
			&e.ID, &e.ActorID, &e.ActorName, &e.Action,
			&e.TargetID, &e.TargetName, &e.TargetType,
			&e.Details, &e.OccurredAt,
		); err != nil {
			return models.Page{}, errors.Wrap(err, "scan audit entry")
		}
		page.Items = append(page.Items, models.Document{ID: e.ID, Fields: models.AuditFields(e)})
		page.LastCursor = models.KeysetCursor(e.OccurredAt, e.ID)
	}
	if rows.Err() != nil {
		return models.Page{}, errors.Wrap(rows.Err(), "rows")
	}
	return page, nil
}
