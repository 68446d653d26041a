package mongostore

import (
	"context"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/BearBump/GeoSync/internal/syncerr"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type roleDoc struct {
	UserID string `bson:"_id"`
	Role   string `bson:"role"`
}

func (s *Storage) SetRole(ctx context.Context, userID string, role models.Role) error {
	_, err := s.collection(rolesCollection).ReplaceOne(ctx,
		bson.M{"_id": userID},
		roleDoc{UserID: userID, Role: string(role)},
		options.Replace().SetUpsert(true),
	)
	return errors.Wrap(err, "upsert role")
}

func (s *Storage) CheckRole(ctx context.Context, userID string) (models.Role, error) {
	var d roleDoc
	err := s.collection(rolesCollection).FindOne(ctx, bson.M{"_id": userID}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", syncerr.Errorf(syncerr.PermissionDenied, "check role", "unknown user %q", userID)
	}
	if err != nil {
		return "", errors.Wrap(err, "find role")
	}
	return models.Role(d.Role), nil
}
