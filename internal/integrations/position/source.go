package position

import (
	"context"
	"time"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/pkg/errors"
)

// Accuracy is a hint for the positioning hardware.
type Accuracy string

const (
	AccuracyHigh     Accuracy = "high"
	AccuracyBalanced Accuracy = "balanced"
	AccuracyLow      Accuracy = "low"
)

// ErrNoFix is returned when the source answered but had no position.
var ErrNoFix = errors.New("no position fix")

// Source yields position fixes. RequestFix must give up after timeout and
// must return promptly once ctx is cancelled.
type Source interface {
	RequestFix(ctx context.Context, accuracy Accuracy, timeout time.Duration) (models.PositionFix, error)
}

// Permission reports whether the host platform allows location access.
type Permission interface {
	LocationGranted() bool
}

// StaticPermission is a Permission fixed at construction (config driven).
type StaticPermission bool

func (p StaticPermission) LocationGranted() bool { return bool(p) }

// ParseAccuracy maps a config string to an Accuracy; unknown values fall
// back to high.
func ParseAccuracy(s string) Accuracy {
	switch Accuracy(s) {
	case AccuracyBalanced, AccuracyLow:
		return Accuracy(s)
	default:
		return AccuracyHigh
	}
}
