package store

import (
	"time"

	"github.com/google/uuid"

	"deepatlas.gg/internal/marks"
)

// Account is a registered client identity. The account key is an opaque
// credential presented by the client; only its hash is stored. PartialID
// is the shortened identifier shown to other players in seen lists.
type Account struct {
	ID           string
	KeyHash      string
	PartialID    string
	CreatedAt    time.Time
	CreatedCount int64
}

// Location is the authoritative server record of a marker.
type Location struct {
	ID            uuid.UUID
	TerritoryType uint16
	Kind          marks.Kind
	X, Y, Z       float64
	AccountID     string
	CreatedAt     time.Time
}

// Key returns the location's spatial identity within its territory.
func (l *Location) Key() marks.SpatialKey {
	return marks.KeyFor(l.Kind, marks.Position{X: l.X, Y: l.Y, Z: l.Z})
}
