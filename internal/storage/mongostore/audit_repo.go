package mongostore

import (
	"context"
	"time"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func (s *Storage) AppendAudit(ctx context.Context, e models.AuditEntry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if _, err := s.collection(auditLogs).InsertOne(ctx, auditDoc(e)); err != nil {
		return "", errors.Wrap(err, "insert audit entry")
	}
	return e.ID, nil
}

func (s *Storage) QueryPage(ctx context.Context, q models.PageQuery) (models.Page, error) {
	if q.Collection != auditLogs {
		return models.Page{}, errors.Errorf("mongostore: paging %q is not supported", q.Collection)
	}
	if q.Limit <= 0 {
		return models.Page{}, errors.New("mongostore: limit must be positive")
	}

	filter, err := pageFilter(q)
	if err != nil {
		return models.Page{}, err
	}
	dir := 1
	if q.OrderBy.Desc {
		dir = -1
	}
	opts := options.Find().
		SetSort(bson.D{{Key: fieldTimestamp, Value: dir}, {Key: "_id", Value: dir}}).
		SetLimit(int64(q.Limit))

	cur, err := s.collection(auditLogs).Find(ctx, filter, opts)
	if err != nil {
		return models.Page{}, errors.Wrap(err, "find audit logs")
	}
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return models.Page{}, errors.Wrap(err, "read audit logs")
	}

	var page models.Page
	for _, d := range docs {
		id, fields := docFields(d)
		page.Items = append(page.Items, models.Document{ID: id, Fields: fields})
		if at, ok, _ := models.FieldTime(fields, fieldTimestamp); ok {
			page.LastCursor = models.KeysetCursor(at, id)
		}
	}
	return page, nil
}

func pageFilter(q models.PageQuery) (bson.M, error) {
	f := q.Filter
	and := bson.A{}
	if f.ActorID != "" {
		and = append(and, bson.M{models.FieldActorID: f.ActorID})
	}
	if f.Action != "" {
		and = append(and, bson.M{models.FieldAction: f.Action})
	}
	if f.TargetType != "" {
		and = append(and, bson.M{models.FieldTargetType: f.TargetType})
	}
	if f.TargetID != "" {
		and = append(and, bson.M{models.FieldTargetID: f.TargetID})
	}
	if f.Since != nil {
		and = append(and, bson.M{fieldTimestamp: bson.M{"$gte": f.Since.UTC()}})
	}
	if f.Until != nil {
		and = append(and, bson.M{fieldTimestamp: bson.M{"$lt": f.Until.UTC()}})
	}
	if q.Cursor != "" {
		at, id, err := models.ParseKeyset(q.Cursor)
		if err != nil {
			return nil, err
		}
		cmp := "$gt"
		if q.OrderBy.Desc {
			cmp = "$lt"
		}
		and = append(and, bson.M{"$or": bson.A{
			bson.M{fieldTimestamp: bson.M{cmp: at}},
			bson.M{fieldTimestamp: at, "_id": bson.M{cmp: id}},
		}})
	}
	if len(and) == 0 {
		return bson.M{}, nil
	}
	return bson.M{"$and": and}, nil
}
