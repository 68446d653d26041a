package models

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/GeoSync/internal/syncerr"
)

// KeysetCursor encodes the position of the last returned item: its sort
// timestamp and id. Stores hand it out as an opaque Cursor.
func KeysetCursor(at time.Time, id string) Cursor {
	raw := strconv.FormatInt(at.UTC().UnixNano(), 10) + "|" + id
	return Cursor(base64.RawURLEncoding.EncodeToString([]byte(raw)))
}

// ParseKeyset is the inverse of KeysetCursor.
func ParseKeyset(c Cursor) (time.Time, string, error) {
	const op = "parse cursor"
	b, err := base64.RawURLEncoding.DecodeString(string(c))
	if err != nil {
		return time.Time{}, "", syncerr.Wrap(err, syncerr.ParseError, op)
	}
	ns, id, ok := strings.Cut(string(b), "|")
	if !ok || id == "" {
		return time.Time{}, "", syncerr.Errorf(syncerr.ParseError, op, "malformed cursor")
	}
	n, err := strconv.ParseInt(ns, 10, 64)
	if err != nil {
		return time.Time{}, "", syncerr.Wrap(err, syncerr.ParseError, op)
	}
	return time.Unix(0, n).UTC(), id, nil
}

// FieldTime reads a timestamp field the way the decoders do.
func FieldTime(fields map[string]any, key string) (time.Time, bool, error) {
	return timeField(fields, key)
}
