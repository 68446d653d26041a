package mongostore

import (
	"context"
	"log/slog"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type changeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument bson.M `bson:"fullDocument"`
}

// Watch follows collection through a change stream. Change streams need a
// replica set. The locations collection starts with a snapshot.
func (s *Storage) Watch(ctx context.Context, collection string, filter models.Filter, handle func(models.ChangeBatch) error) error {
	stream, err := s.collection(collection).Watch(ctx, watchPipeline(filter),
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return errors.Wrap(err, "open change stream")
	}
	defer func() { _ = stream.Close(context.Background()) }()

	if collection == locations {
		initial, err := s.listLocations(ctx, filter)
		if err != nil {
			return err
		}
		if len(initial) > 0 {
			if err := handle(models.ChangeBatch{Collection: collection, Changes: initial}); err != nil {
				return err
			}
		}
	}

	for stream.Next(ctx) {
		var ev changeEvent
		if err := stream.Decode(&ev); err != nil {
			slog.Warn("skip undecodable change event", "collection", collection, "error", err.Error())
			continue
		}
		c, ok := toChange(ev)
		if !ok {
			continue
		}
		if err := handle(models.ChangeBatch{Collection: collection, Changes: []models.Change{c}}); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Wrap(stream.Err(), "change stream")
}

func watchPipeline(filter models.Filter) mongo.Pipeline {
	match := bson.M{"operationType": bson.M{"$in": bson.A{"insert", "update", "replace", "delete"}}}
	if len(filter.IDs) > 0 {
		match["documentKey._id"] = bson.M{"$in": filter.IDs}
	}
	return mongo.Pipeline{{{Key: "$match", Value: match}}}
}

func toChange(ev changeEvent) (models.Change, bool) {
	switch ev.OperationType {
	case "delete":
		return models.Change{Op: models.OpRemoved, ID: ev.DocumentKey.ID}, true
	case "insert", "update", "replace":
		if ev.FullDocument == nil {
			// deleted before the lookup ran; the delete event follows
			return models.Change{}, false
		}
		_, fields := docFields(ev.FullDocument)
		op := models.OpModified
		if ev.OperationType == "insert" {
			op = models.OpAdded
		}
		return models.Change{Op: op, ID: ev.DocumentKey.ID, Fields: fields}, true
	default:
		return models.Change{}, false
	}
}
