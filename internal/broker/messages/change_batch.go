package messages

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/BearBump/GeoSync/internal/models"
	"github.com/pkg/errors"
)

// ChangesTopic is the default topic/channel prefix for change batches.
const ChangesTopic = "geosync.changes"

// ChangeBatch is the wire form of a committed change batch.
type ChangeBatch struct {
	Collection string          `json:"collection"`
	Changes    []models.Change `json:"changes"`
	EmittedAt  time.Time       `json:"emitted_at"`
	Origin     string          `json:"origin,omitempty"`
}

func EncodeChangeBatch(b models.ChangeBatch, origin string, at time.Time) ([]byte, error) {
	raw, err := json.Marshal(ChangeBatch{
		Collection: b.Collection,
		Changes:    b.Changes,
		EmittedAt:  at.UTC(),
		Origin:     origin,
	})
	return raw, errors.Wrap(err, "marshal change batch")
}

// DecodeChangeBatch keeps numbers as json.Number so coordinates survive
// without float re-parsing surprises.
func DecodeChangeBatch(raw []byte) (ChangeBatch, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m ChangeBatch
	if err := dec.Decode(&m); err != nil {
		return ChangeBatch{}, errors.Wrap(err, "unmarshal change batch")
	}
	if m.Collection == "" {
		return ChangeBatch{}, errors.New("change batch without collection")
	}
	return m, nil
}

// Batch returns the domain batch restricted to ids allowed by filter.
// ok is false when nothing is left.
func (m ChangeBatch) Batch(filter models.Filter) (models.ChangeBatch, bool) {
	out := models.ChangeBatch{Collection: m.Collection}
	for _, c := range m.Changes {
		if filter.Allows(c.ID) {
			out.Changes = append(out.Changes, c)
		}
	}
	return out, len(out.Changes) > 0
}
