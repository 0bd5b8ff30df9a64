// Package floorcache is the client's per-territory marker set: lazily
// loaded from durable storage, mutated by observations, sync responses
// and imports, and persisted whenever its contents change. All access
// happens on the sync driver's single tick goroutine.
package floorcache

import (
	"log"

	"github.com/google/uuid"

	"deepatlas.gg/internal/client/floorfile"
	"deepatlas.gg/internal/marks"
)

// Mode selects the persistence filter. Private keeps local storage from
// silently accumulating other players' undiscovered markers; online
// keeps the full downloaded set for offline use.
type Mode int

const (
	ModePrivate Mode = iota
	ModeOnline
)

// SyncPhase tracks the download-reconciliation handshake for the
// current territory visit.
type SyncPhase int

const (
	SyncNotAttempted SyncPhase = iota
	SyncStarted
	SyncComplete
	SyncFailed
)

// TerritoryCache holds one territory's markers, keyed by spatial
// identity.
type TerritoryCache struct {
	TerritoryType uint16

	// Ready is true once the load from durable storage finished (even
	// if it yielded nothing).
	Ready bool

	// Phase is the sync driver's download state for this visit.
	Phase SyncPhase

	mode  Mode
	byKey map[marks.SpatialKey]*marks.Marker
	dirty bool
}

// Manager owns all territory caches created this session.
type Manager struct {
	store *floorfile.Store
	mode  Mode
	log   *log.Logger

	caches map[uint16]*TerritoryCache
}

func NewManager(store *floorfile.Store, mode Mode, logger *log.Logger) *Manager {
	return &Manager{
		store:  store,
		mode:   mode,
		log:    logger,
		caches: map[uint16]*TerritoryCache{},
	}
}

// Get returns the cache for a territory, creating and loading it on
// first access. Storage failures degrade to an empty cache, never an
// error.
func (m *Manager) Get(territoryType uint16) *TerritoryCache {
	if c, ok := m.caches[territoryType]; ok {
		return c
	}
	c := &TerritoryCache{
		TerritoryType: territoryType,
		mode:          m.mode,
		byKey:         map[marks.SpatialKey]*marks.Marker{},
	}
	loaded, migrated, _ := m.store.Load(territoryType)
	for i := range loaded {
		mk := loaded[i]
		c.byKey[mk.Key()] = &mk
	}
	c.Ready = true
	if migrated {
		// Once-only migration: rewrite the file in the new format.
		if err := c.Persist(m.store); err != nil && m.log != nil {
			m.log.Printf("territory %d: persist after migration: %v", territoryType, err)
		}
	}
	m.caches[territoryType] = c
	return c
}

// Store exposes the durable backing for persist calls.
func (m *Manager) Store() *floorfile.Store { return m.store }

// Markers returns the cache's current marker set. Callers must not
// retain pointers across territory changes.
func (c *TerritoryCache) Markers() []*marks.Marker {
	out := make([]*marks.Marker, 0, len(c.byKey))
	for _, mk := range c.byKey {
		out = append(out, mk)
	}
	return out
}

// Lookup returns the marker with the given spatial identity, if any.
func (c *TerritoryCache) Lookup(key marks.SpatialKey) (*marks.Marker, bool) {
	mk, ok := c.byKey[key]
	return mk, ok
}

// Len reports the number of distinct markers.
func (c *TerritoryCache) Len() int { return len(c.byKey) }

// Dirty reports whether the cache has unpersisted changes.
func (c *TerritoryCache) Dirty() bool { return c.dirty }

// RecordObservation merges a local player observation: insert-if-absent
// by spatial identity, and in either case the marker becomes seen.
func (c *TerritoryCache) RecordObservation(kind marks.Kind, pos marks.Position) *marks.Marker {
	key := marks.KeyFor(kind, pos)
	if mk, ok := c.byKey[key]; ok {
		if !mk.Seen {
			mk.Seen = true
			c.dirty = true
		}
		return mk
	}
	mk := &marks.Marker{Kind: kind, Position: pos, Seen: true}
	c.byKey[key] = mk
	c.dirty = true
	return mk
}

// ApplyDownload merges the server's set for this territory. Markers
// already known locally pick up the server identity and remote seen
// list; local-only state (seen, local id, import tags) is never
// overwritten. Unknown markers are inserted as known-but-unseen.
func (c *TerritoryCache) ApplyDownload(remote []marks.Marker) {
	for i := range remote {
		rm := remote[i]
		key := rm.Key()
		if local, ok := c.byKey[key]; ok {
			if local.NetworkID == uuid.Nil && rm.NetworkID != uuid.Nil {
				local.NetworkID = rm.NetworkID
				c.dirty = true
			}
			for _, acct := range rm.RemoteSeenBy {
				if local.RecordSeenBy(acct) {
					c.dirty = true
				}
			}
			continue
		}
		mk := rm
		mk.Seen = false
		c.byKey[key] = &mk
		c.dirty = true
	}
}

// ApplyUploadAck attaches server-assigned identities to the matching
// local markers so repeat uploads are not attempted.
func (c *TerritoryCache) ApplyUploadAck(acked []marks.Marker) {
	for i := range acked {
		ack := acked[i]
		if ack.NetworkID == uuid.Nil {
			continue
		}
		if local, ok := c.byKey[ack.Key()]; ok && local.NetworkID == uuid.Nil {
			local.NetworkID = ack.NetworkID
			c.dirty = true
		}
	}
}

// MarkRemoteSeen appends the account's partial id to the seen list of
// each referenced marker. Bookkeeping only; never changes Seen.
func (c *TerritoryCache) MarkRemoteSeen(keys []marks.SpatialKey, partialAccountID string) {
	for _, key := range keys {
		if mk, ok := c.byKey[key]; ok {
			if mk.RecordSeenBy(partialAccountID) {
				c.dirty = true
			}
		}
	}
}

// Import inserts markers from a bulk import under the given tag.
// Markers already present by spatial identity gain the tag instead of
// being replaced.
func (c *TerritoryCache) Import(markers []marks.Marker, tag string) int {
	added := 0
	for i := range markers {
		im := markers[i]
		key := im.Key()
		if local, ok := c.byKey[key]; ok {
			if !local.HasImportTag(tag) {
				local.ImportTags = append(local.ImportTags, tag)
				c.dirty = true
			}
			continue
		}
		mk := im
		mk.Seen = false
		mk.ImportTags = []string{tag}
		c.byKey[key] = &mk
		c.dirty = true
		added++
	}
	return added
}

// UndoImport removes the tag from every marker, deleting markers whose
// only provenance was that import: never seen locally, not known to the
// server, and carrying no other tag. This is the single sanctioned
// deletion path.
func (c *TerritoryCache) UndoImport(tag string) int {
	removed := 0
	for key, mk := range c.byKey {
		if !mk.HasImportTag(tag) {
			continue
		}
		rest := mk.ImportTags[:0]
		for _, t := range mk.ImportTags {
			if t != tag {
				rest = append(rest, t)
			}
		}
		mk.ImportTags = rest
		c.dirty = true
		if len(rest) == 0 && !mk.Seen && mk.NetworkID == uuid.Nil {
			delete(c.byKey, key)
			removed++
		}
	}
	return removed
}

// Persist writes the current marker set through the mode filter. In
// private mode, markers neither seen locally nor imported are dropped
// from storage (they remain in memory for the session).
func (c *TerritoryCache) Persist(store *floorfile.Store) error {
	out := make([]marks.Marker, 0, len(c.byKey))
	for _, mk := range c.byKey {
		if c.mode == ModePrivate && !mk.Seen && !mk.Imported() {
			continue
		}
		out = append(out, *mk)
	}
	if err := store.Save(c.TerritoryType, out); err != nil {
		return err
	}
	// Propagate assigned local ids back into memory.
	for i := range out {
		if local, ok := c.byKey[out[i].Key()]; ok && local.LocalID == 0 {
			local.LocalID = out[i].LocalID
		}
	}
	c.dirty = false
	return nil
}

// PersistIfDirty writes through the mode filter only when contents
// changed since the last persist.
func (c *TerritoryCache) PersistIfDirty(store *floorfile.Store) error {
	if !c.dirty {
		return nil
	}
	return c.Persist(store)
}
