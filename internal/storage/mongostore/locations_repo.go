package mongostore

import (
	"context"
	"time"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// WriteLocation upserts the position unless a newer one is stored. The
// guarded upsert hits the unique _id when the stored fix is newer; that
// duplicate key means the write is stale and is ignored.
func (s *Storage) WriteLocation(ctx context.Context, entityID string, lat, lon float64, updatedAt time.Time) error {
	filter := bson.M{"_id": entityID, models.FieldUpdatedAt: bson.M{"$lte": updatedAt.UTC()}}
	update := bson.M{"$set": models.EntityFields(lat, lon, updatedAt, true)}

	_, err := s.collection(locations).UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return errors.Wrap(err, "upsert location")
}

// StaleOnline returns up to limit entities still flagged online whose last
// update is older than cutoff, oldest first.
func (s *Storage) StaleOnline(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	q := bson.M{models.FieldIsOnline: true, models.FieldUpdatedAt: bson.M{"$lt": cutoff.UTC()}}
	opts := options.Find().
		SetSort(bson.D{{Key: models.FieldUpdatedAt, Value: 1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"_id": 1})
	cur, err := s.collection(locations).Find(ctx, q, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find stale locations")
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "read stale locations")
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// MarkOffline clears the online flag unless the entity reported after cutoff.
func (s *Storage) MarkOffline(ctx context.Context, entityID string, cutoff time.Time) (bool, error) {
	filter := bson.M{
		"_id":                 entityID,
		models.FieldIsOnline:  true,
		models.FieldUpdatedAt: bson.M{"$lt": cutoff.UTC()},
	}
	res, err := s.collection(locations).UpdateOne(ctx, filter, bson.M{"$set": bson.M{models.FieldIsOnline: false}})
	if err != nil {
		return false, errors.Wrap(err, "mark offline")
	}
	return res.ModifiedCount > 0, nil
}

func (s *Storage) DeleteLocation(ctx context.Context, entityID string) error {
	_, err := s.collection(locations).DeleteOne(ctx, bson.M{"_id": entityID})
	return errors.Wrap(err, "delete location")
}

// Snapshot returns the current locations as one Added batch. Other
// collections have no snapshot and yield an empty batch.
func (s *Storage) Snapshot(ctx context.Context, collection string, filter models.Filter) (models.ChangeBatch, error) {
	b := models.ChangeBatch{Collection: collection}
	if collection != models.CollectionLocations {
		return b, nil
	}
	changes, err := s.listLocations(ctx, filter)
	if err != nil {
		return b, err
	}
	b.Changes = changes
	return b, nil
}

func (s *Storage) listLocations(ctx context.Context, filter models.Filter) ([]models.Change, error) {
	q := bson.M{}
	if len(filter.IDs) > 0 {
		q["_id"] = bson.M{"$in": filter.IDs}
	}
	cur, err := s.collection(locations).Find(ctx, q, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "find locations")
	}
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "read locations")
	}

	out := make([]models.Change, 0, len(docs))
	for _, d := range docs {
		id, fields := docFields(d)
		out = append(out, models.Change{Op: models.OpAdded, ID: id, Fields: fields})
	}
	return out, nil
}
