package mongostore

import (
	"github.com/BearBump/GeoSync/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	locations      = models.CollectionLocations
	auditLogs      = models.CollectionAuditLogs
	fieldTimestamp = models.FieldOccurredAt
	fieldActorID   = models.FieldActorID
)

// docFields turns a raw BSON document into decoder-friendly fields.
func docFields(m bson.M) (string, map[string]any) {
	id, _ := m["_id"].(string)
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k == "_id" {
			continue
		}
		out[k] = plain(v)
	}
	return id, out
}

func plain(v any) any {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC()
	case primitive.Timestamp:
		return int64(t.T) * 1000
	case int32:
		return int64(t)
	default:
		return v
	}
}

func auditDoc(e models.AuditEntry) bson.M {
	m := bson.M{"_id": e.ID}
	for k, v := range models.AuditFields(e) {
		m[k] = v
	}
	return m
}
