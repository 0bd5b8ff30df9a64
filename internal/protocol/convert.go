package protocol

import (
	"github.com/google/uuid"

	"deepatlas.gg/internal/marks"
)

// MarkerToWire flattens a client marker for transmission. Local-only
// fields (seen, local id, import tags) never leave the client.
func MarkerToWire(m *marks.Marker) WireMarker {
	w := WireMarker{
		Kind: m.Kind.String(),
		X:    m.Position.X,
		Y:    m.Position.Y,
		Z:    m.Position.Z,
	}
	if m.NetworkID != uuid.Nil {
		w.ID = m.NetworkID.String()
	}
	return w
}

// MarkerFromWire builds a client marker from a wire record. Seen starts
// false: downloaded markers are known, not personally observed.
func MarkerFromWire(w WireMarker) (marks.Marker, bool) {
	kind := marks.ParseKind(w.Kind)
	if !kind.Valid() {
		return marks.Marker{}, false
	}
	m := marks.Marker{
		Kind:         kind,
		Position:     marks.Position{X: w.X, Y: w.Y, Z: w.Z},
		RemoteSeenBy: append([]string(nil), w.SeenBy...),
	}
	if w.ID != "" {
		id, err := uuid.Parse(w.ID)
		if err != nil {
			return marks.Marker{}, false
		}
		m.NetworkID = id
	}
	return m, true
}
