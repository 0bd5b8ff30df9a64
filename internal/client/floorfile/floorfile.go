// Package floorfile persists one record per territory: a version tag
// plus the full marker set, as zstd-compressed JSON on disk. A missing
// or corrupt file is "no prior data", never an error.
package floorfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"deepatlas.gg/internal/marks"
)

// CurrentVersion is the on-disk record version. Version 1 records
// stored full account ids in seen lists; loading one migrates it.
const CurrentVersion = 2

type record struct {
	Version       int            `json:"version"`
	TerritoryType uint16         `json:"territory_type"`
	NextLocalID   int64          `json:"next_local_id"`
	Markers       []marks.Marker `json:"markers"`
}

// Store reads and writes per-territory marker files under one directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(territoryType uint16) string {
	return filepath.Join(s.dir, fmt.Sprintf("territory_%d.json.zst", territoryType))
}

// Load returns the stored marker set for a territory. The second result
// is true when a load-time migration rewrote data and the caller should
// re-persist. Missing or unreadable files yield an empty set.
func (s *Store) Load(territoryType uint16) ([]marks.Marker, bool, error) {
	f, err := os.Open(s.path(territoryType))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, nil
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, false, nil
	}
	defer dec.Close()

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, false, nil
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, nil
	}
	if rec.Version < 1 || rec.Version > CurrentVersion {
		return nil, false, nil
	}

	migrated := false
	out := rec.Markers[:0]
	for _, m := range rec.Markers {
		// Debug and unrecognized kinds are local-only noise from older
		// builds; filter them at load.
		if !m.Kind.Valid() {
			migrated = true
			continue
		}
		if rec.Version < 2 {
			// v1 stored full account ids; re-derive the partial form.
			for i, acct := range m.RemoteSeenBy {
				short := marks.PartialIDOf(acct)
				if short != acct {
					m.RemoteSeenBy[i] = short
					migrated = true
				}
			}
		}
		out = append(out, m)
	}
	return out, migrated, nil
}

// Save writes the full marker set for a territory, assigning local ids
// to markers that have never been persisted. Write is atomic via a
// temp-file rename.
func (s *Store) Save(territoryType uint16, markers []marks.Marker) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	next := int64(1)
	for i := range markers {
		if markers[i].LocalID >= next {
			next = markers[i].LocalID + 1
		}
	}
	for i := range markers {
		if markers[i].LocalID == 0 {
			markers[i].LocalID = next
			next++
		}
	}

	rec := record{
		Version:       CurrentVersion,
		TerritoryType: territoryType,
		NextLocalID:   next,
		Markers:       markers,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	tmp := s.path(territoryType) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	if _, err := enc.Write(raw); err != nil {
		_ = enc.Close()
		_ = f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(territoryType))
}
