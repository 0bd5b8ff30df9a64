package marks

import (
	"math"

	"github.com/google/uuid"
)

// PartialIDLen is the length of the shortened account identifier used
// in RemoteSeenBy entries and server seen lists.
const PartialIDLen = 13

// PartialIDOf derives the shortened identifier from a full account id.
func PartialIDOf(accountID string) string {
	if len(accountID) <= PartialIDLen {
		return accountID
	}
	return accountID[:PartialIDLen]
}

// Position is a raw in-world coordinate as reported by an observation.
// Repeated observations of the same static object jitter below one unit.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// IsZero reports whether p is the all-zero sentinel used by detectors
// for "invalid/unset".
func (p Position) IsZero() bool {
	return p.X == 0 && p.Y == 0 && p.Z == 0
}

// SpatialKey is the deduplication identity of a marker: kind plus the
// floor of each axis. Two observations with equal keys within the same
// territory are the same marker. The truncation step is a design
// constant; changing it invalidates previously stored identities.
type SpatialKey struct {
	Kind Kind
	X    int32
	Y    int32
	Z    int32
}

// KeyFor maps an observation to its spatial identity.
func KeyFor(kind Kind, pos Position) SpatialKey {
	return SpatialKey{
		Kind: kind,
		X:    int32(math.Floor(pos.X)),
		Y:    int32(math.Floor(pos.Y)),
		Z:    int32(math.Floor(pos.Z)),
	}
}

// SyncState tracks what, if anything, is currently outstanding on the
// network for a marker. A tagged state instead of independent booleans:
// a marker is the subject of at most one in-flight request at a time.
type SyncState uint8

const (
	SyncIdle SyncState = iota
	SyncPendingUpload
	SyncPendingSeenNotify
)

// Marker is a client-side point of interest. Equality is by SpatialKey,
// never by struct identity.
type Marker struct {
	Kind     Kind     `json:"kind"`
	Position Position `json:"position"`

	// Seen is true once the local player has personally observed the
	// marker, as opposed to knowing it from downloaded shared data.
	Seen bool `json:"seen"`

	// LocalID is assigned on first persistence and immutable afterward.
	// Zero means "not yet persisted".
	LocalID int64 `json:"local_id,omitempty"`

	// NetworkID is the server-assigned identity; uuid.Nil until the
	// marker is known server-side.
	NetworkID uuid.UUID `json:"network_id,omitempty"`

	// RemoteSeenBy holds partial account identifiers that have confirmed
	// the marker server-side. Append-only bookkeeping; never drives Seen.
	RemoteSeenBy []string `json:"remote_seen_by,omitempty"`

	// ImportTags lists bulk-import identifiers this marker belongs to,
	// so an entire import can be undone later.
	ImportTags []string `json:"import_tags,omitempty"`

	// State is in-flight bookkeeping owned by the sync driver's tick
	// consumer. Not persisted.
	State SyncState `json:"-"`
}

// Key returns the marker's spatial identity.
func (m *Marker) Key() SpatialKey {
	return KeyFor(m.Kind, m.Position)
}

// Uploaded reports whether the server has assigned this marker an id.
func (m *Marker) Uploaded() bool {
	return m.NetworkID != uuid.Nil
}

// SeenBy reports whether the partial account id is already recorded in
// RemoteSeenBy.
func (m *Marker) SeenBy(partialAccountID string) bool {
	for _, id := range m.RemoteSeenBy {
		if id == partialAccountID {
			return true
		}
	}
	return false
}

// RecordSeenBy appends the partial account id if absent and reports
// whether the set changed.
func (m *Marker) RecordSeenBy(partialAccountID string) bool {
	if partialAccountID == "" || m.SeenBy(partialAccountID) {
		return false
	}
	m.RemoteSeenBy = append(m.RemoteSeenBy, partialAccountID)
	return true
}

// HasImportTag reports whether the marker carries the given import tag.
func (m *Marker) HasImportTag(tag string) bool {
	for _, t := range m.ImportTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Imported reports whether the marker came from at least one bulk import.
func (m *Marker) Imported() bool {
	return len(m.ImportTags) > 0
}
