package models

import "time"

// PositionFix is a single sampled position. Produced by a position source and
// consumed once by the publisher.
type PositionFix struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy,omitempty"` // metres, 0 when unknown
	CapturedAt time.Time `json:"captured_at"`
}

// TrackedEntity is the last known position of a user or responder.
type TrackedEntity struct {
	ID            string    `json:"id"`
	Latitude      *float64  `json:"latitude,omitempty"`
	Longitude     *float64  `json:"longitude,omitempty"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	PresenceHint  bool      `json:"presence_hint"`
}

func (e TrackedEntity) HasPosition() bool {
	return e.Latitude != nil && e.Longitude != nil
}

// Position returns the coordinates; ok is false when the entity has none.
func (e TrackedEntity) Position() (lat, lon float64, ok bool) {
	if !e.HasPosition() {
		return 0, 0, false
	}
	return *e.Latitude, *e.Longitude, true
}

// Clone returns a copy that shares no pointers with e.
func (e TrackedEntity) Clone() TrackedEntity {
	out := e
	if e.Latitude != nil {
		v := *e.Latitude
		out.Latitude = &v
	}
	if e.Longitude != nil {
		v := *e.Longitude
		out.Longitude = &v
	}
	return out
}

// EntityFromFix builds the entity a fix produces for entityID.
func EntityFromFix(entityID string, fix PositionFix) TrackedEntity {
	lat, lon := fix.Latitude, fix.Longitude
	return TrackedEntity{
		ID:            entityID,
		Latitude:      &lat,
		Longitude:     &lon,
		LastUpdatedAt: fix.CapturedAt,
		PresenceHint:  true,
	}
}
