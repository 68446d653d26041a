package models

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/BearBump/GeoSync/internal/syncerr"
)

// DecodeEntity builds a TrackedEntity from raw location fields.
// A document with only one coordinate, or without a valid updatedAt, is a
// ParseError. Missing coordinates on both sides are allowed.
func DecodeEntity(id string, fields map[string]any) (TrackedEntity, error) {
	const op = "decode entity"
	if id == "" {
		return TrackedEntity{}, syncerr.Errorf(syncerr.ParseError, op, "empty id")
	}

	lat, hasLat, err := floatField(fields, FieldLatitude)
	if err != nil {
		return TrackedEntity{}, syncerr.Wrap(err, syncerr.ParseError, op)
	}
	lon, hasLon, err := floatField(fields, FieldLongitude)
	if err != nil {
		return TrackedEntity{}, syncerr.Wrap(err, syncerr.ParseError, op)
	}
	if hasLat != hasLon {
		return TrackedEntity{}, syncerr.Errorf(syncerr.ParseError, op, "entity %s: latitude and longitude must come together", id)
	}
	if hasLat && (lat < -90 || lat > 90 || lon < -180 || lon > 180) {
		return TrackedEntity{}, syncerr.Errorf(syncerr.ParseError, op, "entity %s: coordinates out of range", id)
	}

	updatedAt, ok, err := timeField(fields, FieldUpdatedAt)
	if err != nil {
		return TrackedEntity{}, syncerr.Wrap(err, syncerr.ParseError, op)
	}
	if !ok {
		return TrackedEntity{}, syncerr.Errorf(syncerr.ParseError, op, "entity %s: missing %s", id, FieldUpdatedAt)
	}

	e := TrackedEntity{ID: id, LastUpdatedAt: updatedAt}
	if hasLat {
		e.Latitude = &lat
		e.Longitude = &lon
	}
	if v, ok := fields[FieldIsOnline].(bool); ok {
		e.PresenceHint = v
	}
	return e, nil
}

// DecodeAuditEntry builds an AuditEntry from a raw audit document.
func DecodeAuditEntry(id string, fields map[string]any) (AuditEntry, error) {
	const op = "decode audit entry"
	if id == "" {
		return AuditEntry{}, syncerr.Errorf(syncerr.ParseError, op, "empty id")
	}

	at, ok, err := timeField(fields, FieldOccurredAt)
	if err != nil {
		return AuditEntry{}, syncerr.Wrap(err, syncerr.ParseError, op)
	}
	if !ok {
		return AuditEntry{}, syncerr.Errorf(syncerr.ParseError, op, "audit %s: missing %s", id, FieldOccurredAt)
	}
	action, _ := fields[FieldAction].(string)
	if action == "" {
		return AuditEntry{}, syncerr.Errorf(syncerr.ParseError, op, "audit %s: missing %s", id, FieldAction)
	}

	e := AuditEntry{
		ID:         id,
		Action:     action,
		OccurredAt: at,
		TargetID:   optString(fields, FieldTargetID),
		TargetName: optString(fields, FieldTargetName),
		TargetType: optString(fields, FieldTargetType),
	}
	e.ActorID, _ = fields[FieldActorID].(string)
	e.ActorName, _ = fields[FieldActorName].(string)
	e.Details, _ = fields[FieldDetails].(string)
	return e, nil
}

// EntityFields is the inverse of DecodeEntity, used by the write path.
func EntityFields(lat, lon float64, updatedAt time.Time, online bool) map[string]any {
	return map[string]any{
		FieldLatitude:  lat,
		FieldLongitude: lon,
		FieldUpdatedAt: updatedAt.UTC(),
		FieldIsOnline:  online,
	}
}

// AuditFields is the inverse of DecodeAuditEntry.
func AuditFields(e AuditEntry) map[string]any {
	m := map[string]any{
		FieldActorID:    e.ActorID,
		FieldActorName:  e.ActorName,
		FieldAction:     e.Action,
		FieldDetails:    e.Details,
		FieldOccurredAt: e.OccurredAt.UTC(),
	}
	if e.TargetID != nil {
		m[FieldTargetID] = *e.TargetID
	}
	if e.TargetName != nil {
		m[FieldTargetName] = *e.TargetName
	}
	if e.TargetType != nil {
		m[FieldTargetType] = *e.TargetType
	}
	return m
}

func floatField(fields map[string]any, key string) (float64, bool, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	var v float64
	switch t := raw.(type) {
	case float64:
		v = t
	case float32:
		v = float64(t)
	case int:
		v = float64(t)
	case int32:
		v = float64(t)
	case int64:
		v = float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false, syncerr.Errorf(syncerr.ParseError, "decode field", "%s: %v", key, err)
		}
		v = f
	default:
		return 0, false, syncerr.Errorf(syncerr.ParseError, "decode field", "%s: unexpected type %T", key, raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false, syncerr.Errorf(syncerr.ParseError, "decode field", "%s: not a finite number", key)
	}
	return v, true, nil
}

// Unix milliseconds of 0001-01-01 and 9999-12-31T23:59:59.999Z.
const (
	minUnixMilli = -62135596800000
	maxUnixMilli = 253402300799999
)

func unixMilliField(key string, ms int64) (time.Time, bool, error) {
	if ms < minUnixMilli || ms > maxUnixMilli {
		return time.Time{}, false, syncerr.Errorf(syncerr.ParseError, "decode field", "%s: timestamp %d out of range", key, ms)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// timeField accepts time.Time, RFC 3339 strings and unix milliseconds.
func timeField(fields map[string]any, key string) (time.Time, bool, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return time.Time{}, false, nil
	}
	switch t := raw.(type) {
	case time.Time:
		return t.UTC(), !t.IsZero(), nil
	case *time.Time:
		if t == nil {
			return time.Time{}, false, nil
		}
		return t.UTC(), !t.IsZero(), nil
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC(), true, nil
		}
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil {
			return unixMilliField(key, ms)
		}
		return time.Time{}, false, syncerr.Errorf(syncerr.ParseError, "decode field", "%s: bad timestamp %q", key, t)
	case int64:
		return unixMilliField(key, t)
	case int:
		return unixMilliField(key, int64(t))
	case float64:
		if math.IsNaN(t) || t < minUnixMilli || t > maxUnixMilli {
			return time.Time{}, false, syncerr.Errorf(syncerr.ParseError, "decode field", "%s: timestamp %v out of range", key, t)
		}
		return unixMilliField(key, int64(t))
	case json.Number:
		ms, err := t.Int64()
		if err != nil {
			return time.Time{}, false, syncerr.Errorf(syncerr.ParseError, "decode field", "%s: %v", key, err)
		}
		return unixMilliField(key, ms)
	default:
		return time.Time{}, false, syncerr.Errorf(syncerr.ParseError, "decode field", "%s: unexpected type %T", key, raw)
	}
}

func optString(fields map[string]any, key string) *string {
	s, ok := fields[key].(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}
