package models

import (
	"time"

	"github.com/BearBump/GeoSync/internal/syncerr"
)

// Фазы публикатора местоположения.
type TrackingPhase string

const (
	PhaseIdle     TrackingPhase = "IDLE"
	PhaseStarting TrackingPhase = "STARTING"
	PhaseActive   TrackingPhase = "ACTIVE"
	PhaseBackoff  TrackingPhase = "BACKOFF"
	PhaseFailed   TrackingPhase = "FAILED"
)

// Engaged reports whether tracking is switched on (possibly retrying).
func (p TrackingPhase) Engaged() bool {
	return p == PhaseStarting || p == PhaseActive || p == PhaseBackoff
}

type TrackingState struct {
	Phase               TrackingPhase `json:"phase"`
	IsActive            bool          `json:"is_active"`
	LastFix             *PositionFix  `json:"last_fix,omitempty"`
	LastError           *syncerr.Kind `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	FixFailures         int           `json:"fix_failures"`
	UpdatedAt           time.Time     `json:"updated_at"`
}
