// Package service implements the server side of the sync protocol:
// download, upload with dedup-on-ingest, seen bookkeeping, and
// statistics. Transport layers translate its sentinel errors into
// protocol error codes.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"deepatlas.gg/internal/auth"
	"deepatlas.gg/internal/marks"
	"deepatlas.gg/internal/protocol"
	"deepatlas.gg/internal/server/floorstate"
	"deepatlas.gg/internal/server/store"
)

var (
	// ErrUnknownTerritory rejects requests naming a territory outside
	// the configured catalog. A request failure, not a fault.
	ErrUnknownTerritory = errors.New("unknown territory")

	// ErrPermissionDenied means the caller is authenticated but lacks
	// the role an operation requires. Distinct from "not authenticated",
	// which transports raise before the service is ever reached.
	ErrPermissionDenied = errors.New("permission denied")
)

// Identity is the resolved caller, built by the transport from a
// validated bearer credential.
type Identity struct {
	AccountID string
	PartialID string
	Roles     []string
}

func (id Identity) hasRole(role string) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Store is the durable surface the service needs beyond the cache.
type Store interface {
	GetOrCreateAccount(ctx context.Context, keyHash string) (store.Account, error)
	InsertSeen(ctx context.Context, accountID string, locationIDs []uuid.UUID) error
	SeenLocationIDs(ctx context.Context, accountID string, candidates []uuid.UUID) (map[uuid.UUID]bool, error)
	SeenPartialIDs(ctx context.Context, territoryType uint16) (map[uuid.UUID][]string, error)
}

type Service struct {
	cache *floorstate.Cache
	store Store
	log   *log.Logger

	territories map[uint16]string
	statsAccts  map[string]bool
	maxUpload   int
}

type Options struct {
	// Territories maps known territory types to display names.
	Territories map[uint16]string
	// StatisticsAccounts grants the statistics role by account id.
	StatisticsAccounts []string
	// MaxMarkersPerUpload bounds one upload batch; excess is truncated.
	MaxMarkersPerUpload int
}

func New(cache *floorstate.Cache, st Store, logger *log.Logger, opts Options) *Service {
	statsAccts := make(map[string]bool, len(opts.StatisticsAccounts))
	for _, id := range opts.StatisticsAccounts {
		statsAccts[id] = true
	}
	maxUpload := opts.MaxMarkersPerUpload
	if maxUpload <= 0 {
		maxUpload = 100
	}
	return &Service{
		cache:       cache,
		store:       st,
		log:         logger,
		territories: opts.Territories,
		statsAccts:  statsAccts,
		maxUpload:   maxUpload,
	}
}

// RegisterAccount resolves an opaque account key to an identity,
// creating the account on first sight, and issues roles for it.
func (s *Service) RegisterAccount(ctx context.Context, accountKey string) (Identity, error) {
	sum := sha256.Sum256([]byte(accountKey))
	acct, err := s.store.GetOrCreateAccount(ctx, hex.EncodeToString(sum[:]))
	if err != nil {
		return Identity{}, err
	}
	roles := []string{auth.RoleUser}
	if s.statsAccts[acct.ID] {
		roles = append(roles, auth.RoleStatistics)
	}
	return Identity{AccountID: acct.ID, PartialID: acct.PartialID, Roles: roles}, nil
}

// DownloadFloors returns the cached set for the territory, annotated
// with partial account ids from the seen-audit table. No side effects.
func (s *Service) DownloadFloors(ctx context.Context, id Identity, territoryType uint16) ([]protocol.WireMarker, error) {
	if _, ok := s.territories[territoryType]; !ok {
		return nil, ErrUnknownTerritory
	}
	locs, err := s.cache.Snapshot(ctx, territoryType)
	if err != nil {
		return nil, err
	}
	sort.Slice(locs, func(i, j int) bool {
		if !locs[i].CreatedAt.Equal(locs[j].CreatedAt) {
			return locs[i].CreatedAt.Before(locs[j].CreatedAt)
		}
		return locs[i].ID.String() < locs[j].ID.String()
	})
	seenBy, err := s.store.SeenPartialIDs(ctx, territoryType)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.WireMarker, 0, len(locs))
	for _, l := range locs {
		out = append(out, wireFromLocation(l, seenBy[l.ID]))
	}
	return out, nil
}

// UploadFloors accepts candidate markers, drops malformed ones
// individually, deduplicates the batch itself and then the territory's
// existing contents, persists the survivors, and returns every valid
// candidate annotated with its resolved id in input order.
func (s *Service) UploadFloors(ctx context.Context, id Identity, territoryType uint16, candidates []protocol.WireMarker) ([]protocol.WireMarker, error) {
	if _, ok := s.territories[territoryType]; !ok {
		return nil, ErrUnknownTerritory
	}
	if len(candidates) > s.maxUpload {
		candidates = candidates[:s.maxUpload]
	}

	now := time.Now().UTC()
	type slot struct {
		key  marks.SpatialKey
		wire protocol.WireMarker
	}
	var (
		valid  []slot
		unique []store.Location
		seen   = map[marks.SpatialKey]bool{}
	)
	for _, cand := range candidates {
		kind := marks.ParseKind(cand.Kind)
		pos := marks.Position{X: cand.X, Y: cand.Y, Z: cand.Z}
		// An all-zero position is the detector's "unset" sentinel.
		if !kind.Valid() || pos.IsZero() {
			continue
		}
		key := marks.KeyFor(kind, pos)
		valid = append(valid, slot{key: key, wire: cand})
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, store.Location{
			ID:            uuid.New(),
			TerritoryType: territoryType,
			Kind:          kind,
			X:             pos.X,
			Y:             pos.Y,
			Z:             pos.Z,
			AccountID:     id.AccountID,
			CreatedAt:     now,
		})
	}
	if dropped := len(candidates) - len(valid); dropped > 0 && s.log != nil {
		s.log.Printf("upload territory=%d account=%s dropped %d invalid candidate(s)", territoryType, id.PartialID, dropped)
	}
	resolved, err := s.cache.Ingest(ctx, territoryType, unique)
	if err != nil {
		return nil, err
	}
	byKey := make(map[marks.SpatialKey]store.Location, len(resolved))
	for _, l := range resolved {
		byKey[l.Key()] = l
	}
	out := make([]protocol.WireMarker, 0, len(valid))
	for _, v := range valid {
		out = append(out, wireFromLocation(byKey[v.key], nil))
	}
	return out, nil
}

// MarkObjectsSeen records the caller as having seen each referenced
// location. Unknown ids are silently ignored; repeat calls insert
// nothing new.
func (s *Service) MarkObjectsSeen(ctx context.Context, id Identity, territoryType uint16, ids []uuid.UUID) error {
	if _, ok := s.territories[territoryType]; !ok {
		return ErrUnknownTerritory
	}
	var known []uuid.UUID
	for _, locID := range ids {
		ok, err := s.cache.Contains(ctx, territoryType, locID)
		if err != nil {
			return err
		}
		if ok {
			known = append(known, locID)
		}
	}
	already, err := s.store.SeenLocationIDs(ctx, id.AccountID, known)
	if err != nil {
		return err
	}
	fresh := known[:0]
	for _, locID := range known {
		if !already[locID] {
			fresh = append(fresh, locID)
		}
	}
	return s.store.InsertSeen(ctx, id.AccountID, fresh)
}

// FetchStatistics reports per-kind counts for every known territory,
// ensuring each is cache-loaded. Requires the statistics role.
func (s *Service) FetchStatistics(ctx context.Context, id Identity) ([]protocol.TerritoryStats, error) {
	if !id.hasRole(auth.RoleStatistics) {
		return nil, ErrPermissionDenied
	}
	types := make([]uint16, 0, len(s.territories))
	for tt := range s.territories {
		types = append(types, tt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	out := make([]protocol.TerritoryStats, 0, len(types))
	for _, tt := range types {
		counts, err := s.cache.KindCounts(ctx, tt)
		if err != nil {
			return nil, err
		}
		out = append(out, protocol.TerritoryStats{
			TerritoryType: tt,
			TrapCount:     counts[marks.KindTrap],
			HoardCount:    counts[marks.KindHoard],
		})
	}
	return out, nil
}

func wireFromLocation(l store.Location, seenBy []string) protocol.WireMarker {
	return protocol.WireMarker{
		ID:        l.ID.String(),
		Kind:      l.Kind.String(),
		X:         l.X,
		Y:         l.Y,
		Z:         l.Z,
		SeenBy:    seenBy,
		CreatedAt: l.CreatedAt.UTC().Format(time.RFC3339),
	}
}
