// Package mongostore keeps locations, audit logs and roles in MongoDB and
// streams collection changes through change streams.
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

const rolesCollection = "user_roles"

type Storage struct {
	client *mongo.Client
	db     *mongo.Database
}

func New(ctx context.Context, uri, database string) (*Storage, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongo")
	}

	s := &Storage{client: client, db: client.Database(database)}
	if err := s.initIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Storage) initIndexes(ctx context.Context) error {
	_, err := s.collection(auditLogs).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: fieldTimestamp, Value: -1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: fieldActorID, Value: 1}}},
	})
	if err != nil {
		return errors.Wrap(err, "create audit indexes")
	}
	_, err = s.collection(locations).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: models.FieldIsOnline, Value: 1}, {Key: models.FieldUpdatedAt, Value: 1}},
	})
	return errors.Wrap(err, "create location indexes")
}

func (s *Storage) collection(name string) *mongo.Collection {
	return s.db.Collection(name)
}

func (s *Storage) Ping(ctx context.Context) error {
	return errors.Wrap(s.client.Ping(ctx, nil), "ping mongo")
}

func (s *Storage) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.client.Disconnect(ctx)
}
