package presence

import (
	"sort"
	"time"

	"github.com/BearBump/GeoSync/internal/geo"
	"github.com/BearBump/GeoSync/internal/models"
)

const DefaultOnlineWindow = 5 * time.Minute

// Roster is the read side of the local entity collection.
type Roster interface {
	Get(id string) (models.TrackedEntity, bool)
	Snapshot() []models.TrackedEntity
	RecentlyActive(id string, now time.Time) bool
}

// Evaluator classifies entities as online or offline on demand. It has no
// timers and does no I/O.
type Evaluator struct {
	roster       Roster
	onlineWindow time.Duration
	now          func() time.Time
}

func New(roster Roster, onlineWindow time.Duration) *Evaluator {
	if onlineWindow <= 0 {
		onlineWindow = DefaultOnlineWindow
	}
	return &Evaluator{roster: roster, onlineWindow: onlineWindow, now: time.Now}
}

func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	if now != nil {
		e.now = now
	}
	return e
}

// IsOnlineAt: recently active, or a position updated within the online
// window. The two signals are OR-ed.
func (e *Evaluator) IsOnlineAt(ent models.TrackedEntity, now time.Time) bool {
	if e.roster != nil && e.roster.RecentlyActive(ent.ID, now) {
		return true
	}
	return ent.HasPosition() && now.Sub(ent.LastUpdatedAt) <= e.onlineWindow
}

func (e *Evaluator) IsOnline(id string) bool {
	ent, ok := e.roster.Get(id)
	if !ok {
		return false
	}
	return e.IsOnlineAt(ent, e.now())
}

// OnlineEntities returns online entities ordered by id.
func (e *Evaluator) OnlineEntities() []models.TrackedEntity {
	now := e.now()
	all := e.roster.Snapshot()
	out := all[:0]
	for _, ent := range all {
		if e.IsOnlineAt(ent, now) {
			out = append(out, ent)
		}
	}
	return out
}

type Neighbor struct {
	Entity   models.TrackedEntity `json:"entity"`
	Distance float64              `json:"distance_m"`
}

// Nearby returns online entities with a position within radiusMeters of
// center, closest first.
func (e *Evaluator) Nearby(center geo.Point, radiusMeters float64) []Neighbor {
	if !center.Valid() || radiusMeters < 0 {
		return nil
	}
	var out []Neighbor
	for _, ent := range e.OnlineEntities() {
		lat, lon, ok := ent.Position()
		if !ok {
			continue
		}
		d := geo.Distance(center, geo.Point{Lat: lat, Lon: lon})
		if d <= radiusMeters {
			out = append(out, Neighbor{Entity: ent, Distance: d})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out
}

type Summary struct {
	Total        int       `json:"total"`
	Online       int       `json:"online"`
	Offline      int       `json:"offline"`
	WithPosition int       `json:"with_position"`
	At           time.Time `json:"at"`
}

func (e *Evaluator) Summary() Summary {
	now := e.now()
	s := Summary{At: now.UTC()}
	for _, ent := range e.roster.Snapshot() {
		s.Total++
		if ent.HasPosition() {
			s.WithPosition++
		}
		if e.IsOnlineAt(ent, now) {
			s.Online++
		}
	}
	s.Offline = s.Total - s.Online
	return s
}
