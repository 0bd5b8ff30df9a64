// Package floorstate holds the server's in-memory per-territory view of
// persisted locations. Each territory is loaded from the durable store
// on first access and kept for the process lifetime, or until an
// explicit invalidation after an out-of-band store mutation.
package floorstate

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"deepatlas.gg/internal/marks"
	"deepatlas.gg/internal/server/store"
)

// Backing is the slice of the durable store the cache needs.
type Backing interface {
	LocationsByTerritory(ctx context.Context, territoryType uint16) ([]store.Location, error)
	InsertLocations(ctx context.Context, locs []store.Location) error
}

type territory struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]store.Location
	byKey map[marks.SpatialKey]uuid.UUID
}

// Cache is the per-territory dictionary of locations. The outer mutex
// guards only the territory registry; each territory carries its own
// RWMutex so uploads to one territory never block downloads of another.
type Cache struct {
	backing Backing

	mu          sync.Mutex
	territories map[uint16]*territory
}

func New(backing Backing) *Cache {
	return &Cache{
		backing:     backing,
		territories: map[uint16]*territory{},
	}
}

// getOrLoad returns the cached territory, loading it synchronously from
// the backing store on first access.
func (c *Cache) getOrLoad(ctx context.Context, territoryType uint16) (*territory, error) {
	c.mu.Lock()
	t, ok := c.territories[territoryType]
	if !ok {
		t = &territory{
			byID:  map[uuid.UUID]store.Location{},
			byKey: map[marks.SpatialKey]uuid.UUID{},
		}
		c.territories[territoryType] = t
		// Hold the territory's write lock across the load so concurrent
		// first-access callers wait for a populated map.
		t.mu.Lock()
		c.mu.Unlock()
		defer t.mu.Unlock()

		locs, err := c.backing.LocationsByTerritory(ctx, territoryType)
		if err != nil {
			// Undo the registration so the next access retries the load.
			c.mu.Lock()
			delete(c.territories, territoryType)
			c.mu.Unlock()
			return nil, err
		}
		for _, l := range locs {
			t.byID[l.ID] = l
			t.byKey[l.Key()] = l.ID
		}
		return t, nil
	}
	c.mu.Unlock()
	return t, nil
}

// Invalidate drops one territory's cached map; the next access reloads
// it from the store.
func (c *Cache) Invalidate(territoryType uint16) {
	c.mu.Lock()
	delete(c.territories, territoryType)
	c.mu.Unlock()
}

// InvalidateAll drops every cached territory.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.territories = map[uint16]*territory{}
	c.mu.Unlock()
}

// Snapshot returns a copy of the territory's full location set.
func (c *Cache) Snapshot(ctx context.Context, territoryType uint16) ([]store.Location, error) {
	t, err := c.getOrLoad(ctx, territoryType)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]store.Location, 0, len(t.byID))
	for _, l := range t.byID {
		out = append(out, l)
	}
	return out, nil
}

// Contains reports whether the territory knows the given location id.
func (c *Cache) Contains(ctx context.Context, territoryType uint16, id uuid.UUID) (bool, error) {
	t, err := c.getOrLoad(ctx, territoryType)
	if err != nil {
		return false, err
	}
	t.mu.RLock()
	_, ok := t.byID[id]
	t.mu.RUnlock()
	return ok, nil
}

// Ingest deduplicates candidates against the territory's current
// contents, persists only genuinely new locations (transactionally),
// and returns every candidate with its resolved identity in input
// order. Candidates must already be batch-deduplicated and carry
// provisional ids. The territory write lock is held across the store
// write so two concurrent uploads cannot both persist the same key.
func (c *Cache) Ingest(ctx context.Context, territoryType uint16, candidates []store.Location) ([]store.Location, error) {
	t, err := c.getOrLoad(ctx, territoryType)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	resolved := make([]store.Location, 0, len(candidates))
	var fresh []store.Location
	for _, cand := range candidates {
		key := cand.Key()
		if existingID, ok := t.byKey[key]; ok {
			resolved = append(resolved, t.byID[existingID])
			continue
		}
		fresh = append(fresh, cand)
		resolved = append(resolved, cand)
		// Reserve the key within this batch; rolled back below if the
		// store write fails.
		t.byKey[key] = cand.ID
	}
	if len(fresh) == 0 {
		return resolved, nil
	}
	if err := c.backing.InsertLocations(ctx, fresh); err != nil {
		for _, l := range fresh {
			delete(t.byKey, l.Key())
		}
		return nil, err
	}
	for _, l := range fresh {
		t.byID[l.ID] = l
	}
	return resolved, nil
}

// CachedTerritories reports how many territories are currently resident.
func (c *Cache) CachedTerritories() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.territories)
}

// KindCounts reports how many locations of each kind the territory has.
func (c *Cache) KindCounts(ctx context.Context, territoryType uint16) (map[marks.Kind]int, error) {
	t, err := c.getOrLoad(ctx, territoryType)
	if err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := map[marks.Kind]int{}
	for _, l := range t.byID {
		out[l.Kind]++
	}
	return out, nil
}
